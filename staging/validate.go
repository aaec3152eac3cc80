/*
validate.go - Row validator

PURPOSE:
  Pure per-row checks. Every failing rule is reported, in a fixed order,
  so an administrator sees all problems of a row at once and re-running
  validation on unchanged data yields the same result.

RULES (in order):
  1. required groups: "a|b" is satisfied when a or b is present.
     Error: required:a|b
  2. email format (validator/v10 "email").
     Error: format:validated_corporate_email
  3. phone format, only when a region is configured (libphonenumber).
     Error: format:phone_number
  4. identity: email_norm or company_norm must be non-empty, otherwise
     the row could never be deduplicated. Error: required:identity
*/
package staging

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
)

// DefaultRequired is the required-field configuration used when none is set.
const DefaultRequired = "company_name;validated_corporate_email|phone_number"

// ErrorUnvalidated marks a row edited since the last validation.
const ErrorUnvalidated = "unvalidated"

// ParseRequired parses "a;b|c" into [[a] [b c]]. Field names are checked
// against the schema.
func ParseRequired(spec string) ([][]Field, error) {
	known := make(map[Field]bool, len(Schema))
	for _, f := range Schema {
		known[f] = true
	}

	var groups [][]Field
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var group []Field
		for _, name := range strings.Split(part, "|") {
			f := Field(strings.TrimSpace(name))
			if !known[f] {
				return nil, fmt.Errorf("%w: unknown required field %q", apperr.ErrInvalidInput, name)
			}
			group = append(group, f)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

type Validator struct {
	Required    [][]Field
	PhoneRegion string

	validate *validator.Validate
}

// NewValidator builds a validator. An empty phoneRegion disables the phone
// format rule.
func NewValidator(required [][]Field, phoneRegion string) *Validator {
	return &Validator{
		Required:    required,
		PhoneRegion: strings.ToUpper(strings.TrimSpace(phoneRegion)),
		validate:    validator.New(),
	}
}

// Result is the outcome of validating one row.
type Result struct {
	EmailNorm   string
	CompanyNorm string
	Errors      []string
	IsValid     bool
}

// ErrorString joins the errors the way they are displayed and exported.
func (r Result) ErrorString() string {
	return strings.Join(r.Errors, ";")
}

func (v *Validator) Validate(row Row) Result {
	res := Result{
		EmailNorm:   leads.NormalizeEmail(row.Email),
		CompanyNorm: leads.NormalizeCompany(row.CompanyName),
		Errors:      []string{},
	}

	for _, group := range v.Required {
		if !anyPresent(row, group) {
			res.Errors = append(res.Errors, "required:"+joinFields(group))
		}
	}

	if email := strings.TrimSpace(row.Email); email != "" {
		if err := v.validate.Var(email, "required,email"); err != nil {
			res.Errors = append(res.Errors, "format:"+string(FieldEmail))
		}
	}

	if phone := strings.TrimSpace(row.Phone); phone != "" && v.PhoneRegion != "" {
		num, err := libphonenumber.Parse(phone, v.PhoneRegion)
		if err != nil || !libphonenumber.IsValidNumber(num) {
			res.Errors = append(res.Errors, "format:"+string(FieldPhone))
		}
	}

	if res.EmailNorm == "" && res.CompanyNorm == "" {
		res.Errors = append(res.Errors, "required:identity")
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

func anyPresent(row Row, group []Field) bool {
	for _, f := range group {
		if strings.TrimSpace(row.Get(f)) != "" {
			return true
		}
	}
	return false
}

func joinFields(fs []Field) string {
	s := make([]string, len(fs))
	for i, f := range fs {
		s[i] = string(f)
	}
	return strings.Join(s, "|")
}
