package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/validation"
)

const wiki = "http://en.wikipedia.org/wiki/"

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr error
	}{
		{"email", "maxdemarzi@gmail.com", "", "maxdemarzi@gmail.com", nil},
		{"email trimmed", "  maxdemarzi@gmail.com ", "", "maxdemarzi@gmail.com", nil},
		{"email display name", "Max <maxdemarzi@gmail.com>", "", "", validation.ErrInvalidEmail},
		{"email no domain", "max@", "", "", validation.ErrInvalidEmail},
		{"us phone", "(650) 253-0000", "US", "+16502530000", nil},
		{"default region", "650-253-0000", "", "+16502530000", nil},
		{"swiss phone", "044 668 18 00", "CH", "+41446681800", nil},
		{"e164 passes through", "+41446681800", "US", "+41446681800", nil},
		{"invalid phone", "555", "US", "", validation.ErrInvalidPhone},
		{"unparseable phone", "hello", "US", "", validation.ErrPhoneParse},
		{"empty", "   ", "", "", validation.ErrMissingIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validation.NormalizeIdentity(tt.raw, tt.region)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		title   string
		want    validation.Page
		wantErr error
	}{
		{
			name:  "title only",
			title: "Graph database",
			want:  validation.Page{URL: wiki + "Graph_database", Title: "Graph database", TitleGiven: true},
		},
		{
			name:  "title is escaped",
			title: "C++",
			want:  validation.Page{URL: wiki + "C%2B%2B", Title: "C++", TitleGiven: true},
		},
		{
			name: "url only derives title",
			url:  wiki + "Graph_database",
			want: validation.Page{URL: wiki + "Graph_database", Title: "Graph database"},
		},
		{
			name:  "url and title",
			url:   wiki + "Neo4j",
			title: "Neo4j graph",
			want:  validation.Page{URL: wiki + "Neo4j", Title: "Neo4j graph", TitleGiven: true},
		},
		{name: "wrong prefix", url: "https://example.com/wiki/Neo4j", wantErr: validation.ErrInvalidURL},
		{name: "bare prefix", url: wiki, wantErr: validation.ErrInvalidURL},
		{name: "nothing", wantErr: validation.ErrMissingPage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validation.NormalizePage(tt.url, tt.title, wiki)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvalidURLMessage(t *testing.T) {
	_, err := validation.NormalizePage("ftp://x", "", wiki)
	assert.EqualError(t, err, "URL must start with "+wiki)
}

func TestTitleFromURL(t *testing.T) {
	assert.Equal(t, "C++", validation.TitleFromURL(wiki+"C%2B%2B", wiki))
	assert.Equal(t, "Graph database", validation.TitleFromURL(wiki+"Graph_database", wiki))
}

func TestValidator_Identity(t *testing.T) {
	v := validation.New("", wiki)

	got, err := v.Identity(models.IdentityRequest{Email: "a@example.com", Phone: "(650) 253-0000"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got, "email wins over phone")

	got, err = v.Identity(models.IdentityRequest{Phone: "044 668 18 00", Region: "ch"})
	require.NoError(t, err)
	assert.Equal(t, "+41446681800", got)

	_, err = v.Identity(models.IdentityRequest{Email: "not-an-email"})
	assert.ErrorIs(t, err, validation.ErrInvalidEmail)

	_, err = v.Identity(models.IdentityRequest{Phone: "a@example.com"})
	assert.ErrorIs(t, err, validation.ErrPhoneParse)

	_, err = v.Identity(models.IdentityRequest{})
	assert.ErrorIs(t, err, validation.ErrMissingIdentity)
}

func TestValidator_Email(t *testing.T) {
	v := validation.New("US", wiki)

	_, err := v.Email(models.IdentityRequest{Phone: "(650) 253-0000"})
	assert.ErrorIs(t, err, validation.ErrMissingIdentity)

	got, err := v.Email(models.IdentityRequest{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got)
	assert.Equal(t, wiki, v.Prefix())
}
