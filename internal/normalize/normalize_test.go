package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases and trims", "  Jane@X.COM ", "jane@x.com"},
		{"empty stays empty", "", ""},
		{"whitespace only becomes absent", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Email(tt.in))
		})
	}
}

func TestPhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"formatted number", "(555) 867-5309", "5558675309"},
		{"leading country code stripped", "1-555-867-5309", "5558675309"},
		{"eleven digits not starting with 1 keeps last ten", "25558675309", "5558675309"},
		{"too few digits is absent", "867-5309", ""},
		{"empty is absent", "", ""},
		{"letters only is absent", "call me", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Phone(tt.in))
		})
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		name  string
		first string
		last  string
		want  string
	}{
		{"joins components", "Jane", "Smith", "Jane Smith"},
		{"collapses internal whitespace", "  Jane   Ann ", "  Smith ", "Jane Ann Smith"},
		{"first only", "Jane", "", "Jane"},
		{"last only", "", "Smith", "Smith"},
		{"both absent", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Name(tt.first, tt.last))
		})
	}
}

func TestAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"uppercases and collapses", "  12  Oak   st ", "12 OAK ST"},
		{"strips punctuation keeps unit markers", "12 Oak St., Apt #3", "12 OAK ST APT #3"},
		{"empty is absent", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Address(tt.in))
		})
	}
}

func TestApply_ToleratesAnySubsetAbsent(t *testing.T) {
	n := Apply(Record{Phone: "555-867-5309", SourceSystem: "clinic"})
	assert.Equal(t, "", n.Email)
	assert.Equal(t, "5558675309", n.Phone)
	assert.Equal(t, "", n.DisplayName)
	assert.True(t, n.HasContact())
	assert.False(t, n.Empty())

	empty := Apply(Record{})
	assert.True(t, empty.Empty())
	assert.False(t, empty.HasContact())
}
