package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/ha1tch/archety/pkg/models"
)

// User-facing messages are part of the API
var (
	ErrMissingIdentity = errors.New("Parameters email or phone required.")
	ErrInvalidEmail    = errors.New("Email not valid.")
	ErrPhoneParse      = errors.New("Error Parsing Phone Number.")
	ErrInvalidPhone    = errors.New("Invalid Phone Number.")
	ErrMissingPage     = errors.New("Parameters url or title required.")
	ErrInvalidURL      = errors.New("URL must start with")
)

const DefaultRegion = "US"

// NormalizeIdentity validates an email address or phone number and
// returns its canonical form. Anything containing "@" is treated as an
// email; phone numbers are parsed in region and formatted as E.164.
func NormalizeIdentity(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingIdentity
	}

	if strings.Contains(raw, "@") {
		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Name != "" || addr.Address != raw {
			return "", ErrInvalidEmail
		}
		return addr.Address, nil
	}

	if region == "" {
		region = DefaultRegion
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w %v", ErrPhoneParse, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Page is a canonical page reference
type Page struct {
	URL   string
	Title string
	// TitleGiven is false when Title was derived from the URL
	TitleGiven bool
}

// NormalizePage builds the canonical page for a request carrying a URL, a
// title, or both. URLs must start with prefix; a bare title becomes
// prefix + the escaped title with spaces as underscores.
func NormalizePage(rawURL, title, prefix string) (Page, error) {
	rawURL = strings.TrimSpace(rawURL)
	title = strings.TrimSpace(title)

	switch {
	case rawURL != "":
		if !strings.HasPrefix(rawURL, prefix) || len(rawURL) == len(prefix) {
			return Page{}, fmt.Errorf("%w %s", ErrInvalidURL, prefix)
		}
	case title != "":
		rawURL = prefix + url.QueryEscape(strings.ReplaceAll(title, " ", "_"))
	default:
		return Page{}, ErrMissingPage
	}

	if title != "" {
		return Page{URL: rawURL, Title: title, TitleGiven: true}, nil
	}
	return Page{URL: rawURL, Title: TitleFromURL(rawURL, prefix)}, nil
}

// TitleFromURL reverses the title-to-URL mapping
func TitleFromURL(rawURL, prefix string) string {
	path := strings.TrimPrefix(rawURL, prefix)
	if unescaped, err := url.QueryUnescape(path); err == nil {
		path = unescaped
	}
	return strings.ReplaceAll(path, "_", " ")
}

// Validator applies request defaults before normalizing
type Validator struct {
	region string
	prefix string
}

// New creates a validator with a default phone region and page URL prefix
func New(region, prefix string) *Validator {
	if region == "" {
		region = DefaultRegion
	}
	return &Validator{region: region, prefix: prefix}
}

// Prefix returns the page URL prefix
func (v *Validator) Prefix() string {
	return v.prefix
}

// Identity validates an identity request. Email wins over phone.
func (v *Validator) Identity(req models.IdentityRequest) (string, error) {
	switch {
	case req.Email != "":
		if !strings.Contains(req.Email, "@") {
			return "", ErrInvalidEmail
		}
		return NormalizeIdentity(req.Email, "")
	case req.Phone != "":
		if strings.Contains(req.Phone, "@") {
			return "", ErrPhoneParse
		}
		region := req.Region
		if region == "" {
			region = v.region
		}
		return NormalizeIdentity(req.Phone, region)
	}
	return "", ErrMissingIdentity
}

// Email validates a request that must carry an email address
func (v *Validator) Email(req models.IdentityRequest) (string, error) {
	if req.Email == "" {
		return "", ErrMissingIdentity
	}
	return v.Identity(models.IdentityRequest{Email: req.Email})
}

// Page validates a page request
func (v *Validator) Page(req models.PageRequest) (Page, error) {
	return NormalizePage(req.URL, req.Title, v.prefix)
}
