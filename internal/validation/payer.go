// Package validation checks payer details before any network call is made.
package validation

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/abjerry97/duespay/api"
)

var (
	phoneTag   = "ngphone"
	phoneText  = "enter a valid Nigerian phone number"
	phoneRegex = regexp.MustCompile(`^(\+234|234|0)[789]\d{9}$`)

	emailTag  = "email"
	emailText = "enter a valid email address"

	requiredTag  = "required"
	requiredText = "this field is required"
)

const (
	FieldFaculty    = "faculty"
	FieldDepartment = "department"
)

// RequiredFields returns the conditionally required payer fields for an
// association kind. Unknown kinds get the strictest set.
func RequiredFields(kind api.AssociationKind) []string {
	switch kind {
	case api.KindDepartment:
		return nil
	case api.KindFaculty:
		return []string{FieldDepartment}
	default:
		return []string{FieldFaculty, FieldDepartment}
	}
}

func ValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}

type PayerValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func NewPayerValidator() *PayerValidator {
	english := en.New()
	uni := ut.New(english, english)
	translator, _ := uni.GetTranslator("en")

	validate := validator.New()
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(phoneTag, func(fl validator.FieldLevel) bool {
		return ValidPhone(fl.Field().String())
	})

	v := &PayerValidator{validate: validate, translator: translator}
	v.registerTranslation(phoneTag, phoneText)
	v.registerTranslation(emailTag, emailText)
	v.registerTranslation(requiredTag, requiredText)
	return v
}

func (v *PayerValidator) registerTranslation(tag, text string) {
	_ = v.validate.RegisterTranslation(
		tag, v.translator,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// Normalize trims surrounding whitespace from every field.
func Normalize(payer api.PayerData) api.PayerData {
	payer.FirstName = strings.TrimSpace(payer.FirstName)
	payer.LastName = strings.TrimSpace(payer.LastName)
	payer.Email = strings.TrimSpace(payer.Email)
	payer.PhoneNumber = strings.TrimSpace(payer.PhoneNumber)
	payer.MatricNumber = strings.TrimSpace(payer.MatricNumber)
	payer.Level = strings.TrimSpace(payer.Level)
	payer.Faculty = strings.TrimSpace(payer.Faculty)
	payer.Department = strings.TrimSpace(payer.Department)
	return payer
}

// Validate returns the messages of every invalid field, keyed by JSON name.
// An empty map means the payer may proceed to the duplicate check.
func (v *PayerValidator) Validate(payer api.PayerData, kind api.AssociationKind) map[string][]string {
	fields := make(map[string][]string)

	if err := v.validate.Struct(payer); err != nil {
		if vErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range vErrs {
				fields[fe.Field()] = append(fields[fe.Field()], fe.Translate(v.translator))
			}
		} else {
			fields["payer"] = []string{err.Error()}
		}
	}

	values := map[string]string{
		FieldFaculty:    payer.Faculty,
		FieldDepartment: payer.Department,
	}
	for _, name := range RequiredFields(kind) {
		if strings.TrimSpace(values[name]) == "" {
			fields[name] = append(fields[name], requiredText)
		}
	}
	return fields
}
