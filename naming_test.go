package entsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/entsync"
)

func TestCaseConvert(t *testing.T) {
	tests := []struct {
		style entsync.Case
		want  string
	}{
		{entsync.SnakeCase, "user_id"},
		{entsync.CamelCase, "userId"},
		{entsync.PascalCase, "UserId"},
		{entsync.KebabCase, "user-id"},
		{entsync.ScreamingSnakeCase, "USER_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.style.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.style.Convert("user_id"))
			assert.Equal(t, tt.want, entsync.NewCaseResolver(tt.style).Backend("userId"))
		})
	}
}

func TestParseCase(t *testing.T) {
	for in, want := range map[string]entsync.Case{
		"":                entsync.SnakeCase,
		"camel":           entsync.CamelCase,
		"Pascal-Case":     entsync.PascalCase,
		"kebab":           entsync.KebabCase,
		"screaming snake": entsync.ScreamingSnakeCase,
	} {
		got, err := entsync.ParseCase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := entsync.ParseCase("hungarian")
	assert.Error(t, err)
}

func TestCaseResolverCanonical(t *testing.T) {
	r := entsync.NewCaseResolver(entsync.CamelCase)
	assert.True(t, entsync.SameName(r, "firstName", "first_name"))
	assert.True(t, entsync.SameName(r, "FirstName", "FIRST_NAME"))
	assert.False(t, entsync.SameName(r, "firstName", "lastName"))
}

func TestPrefixResolver(t *testing.T) {
	r := entsync.WithPrefixes(nil, "user")
	assert.Equal(t, "id", r.Canonical("userId"))
	assert.Equal(t, "name", r.Canonical("user_name"))
	assert.Equal(t, "user", r.Canonical("user"))
	assert.Equal(t, "email", r.Canonical("email"))
	assert.True(t, entsync.SameName(r, "UserID", "id"))
	assert.Equal(t, "user_name", r.Backend("userName"))
}

func TestEntityKeyAndPlural(t *testing.T) {
	assert.Equal(t, "user_address", entsync.EntityKey(" UserAddress "))
	assert.Equal(t, "user_addresses", entsync.Plural("UserAddress"))
	assert.Equal(t, "people", entsync.Plural("person"))
	assert.Equal(t, "books", entsync.Plural("book"))
	assert.Equal(t, "author", entsync.EntityName[Author]())
}

func TestMethodNames(t *testing.T) {
	assert.Equal(t, []string{"GetUserAddress", "FetchUserAddress", "ReadUserAddress"},
		entsync.MethodNames("user_address", "user_addresses", entsync.OpGet))
	assert.Equal(t, []string{"GetUserAddresses", "FetchUserAddresses", "ReadUserAddresses", "ListUserAddresses"},
		entsync.MethodNames("user_address", "user_addresses", entsync.OpGetList))
	assert.Equal(t, []string{"DeleteUsers", "RemoveUsers"},
		entsync.MethodNames("user", "users", entsync.OpDeleteList))
}
