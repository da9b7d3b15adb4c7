package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abjerry97/duespay/api"
)

func validPayer() api.PayerData {
	return api.PayerData{
		FirstName:    "Ada",
		LastName:     "Obi",
		Email:        "ada.obi@student.unilag.edu.ng",
		PhoneNumber:  "08031234567",
		MatricNumber: "190401001",
		Level:        "300",
		Faculty:      "Engineering",
		Department:   "Computer Engineering",
	}
}

func TestRequiredFields(t *testing.T) {
	tests := []struct {
		kind api.AssociationKind
		want []string
	}{
		{api.KindHall, []string{FieldFaculty, FieldDepartment}},
		{api.KindOther, []string{FieldFaculty, FieldDepartment}},
		{api.KindFaculty, []string{FieldDepartment}},
		{api.KindDepartment, nil},
		{api.AssociationKind("club"), []string{FieldFaculty, FieldDepartment}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredFields(tt.kind))
		})
	}
}

func TestValidPhone(t *testing.T) {
	valid := []string{"08031234567", "07012345678", "09087654321", "+2348031234567", "2347012345678"}
	for _, phone := range valid {
		assert.True(t, ValidPhone(phone), phone)
	}

	invalid := []string{
		"",
		"0803123456",      // too short
		"080312345678",    // too long
		"06031234567",     // bad network digit
		"+44803123456",    // foreign prefix
		"+23408031234567", // prefix plus leading zero
		"8031234567",      // missing prefix
		"0803123456a",
	}
	for _, phone := range invalid {
		assert.False(t, ValidPhone(phone), phone)
	}
}

func TestPayerValidator_Validate(t *testing.T) {
	v := NewPayerValidator()

	t.Run("valid payer passes for every kind", func(t *testing.T) {
		for _, kind := range []api.AssociationKind{api.KindHall, api.KindFaculty, api.KindDepartment, api.KindOther} {
			assert.Empty(t, v.Validate(validPayer(), kind), kind)
		}
	})

	t.Run("faculty association without department", func(t *testing.T) {
		payer := validPayer()
		payer.Department = ""
		payer.Faculty = ""

		fields := v.Validate(payer, api.KindFaculty)
		assert.Equal(t, map[string][]string{"department": {"this field is required"}}, fields)
	})

	t.Run("department association never needs faculty or department", func(t *testing.T) {
		payer := validPayer()
		payer.Department = ""
		payer.Faculty = ""
		assert.Empty(t, v.Validate(payer, api.KindDepartment))
	})

	t.Run("hall association needs both", func(t *testing.T) {
		payer := validPayer()
		payer.Department = "  "
		payer.Faculty = ""

		fields := v.Validate(payer, api.KindHall)
		assert.Len(t, fields, 2)
		assert.Contains(t, fields, "faculty")
		assert.Contains(t, fields, "department")
	})

	t.Run("unconditional fields use json names", func(t *testing.T) {
		fields := v.Validate(api.PayerData{}, api.KindDepartment)
		for _, name := range []string{"first_name", "last_name", "email", "phone_number", "matric_number", "level"} {
			assert.Equal(t, []string{"this field is required"}, fields[name], name)
		}
		assert.NotContains(t, fields, "faculty")
	})

	t.Run("malformed email and phone", func(t *testing.T) {
		payer := validPayer()
		payer.Email = "ada-at-unilag"
		payer.PhoneNumber = "12345"

		fields := v.Validate(payer, api.KindHall)
		assert.Equal(t, []string{"enter a valid email address"}, fields["email"])
		assert.Equal(t, []string{"enter a valid Nigerian phone number"}, fields["phone_number"])
		assert.Len(t, fields, 2)
	})

	t.Run("required set follows kind changes", func(t *testing.T) {
		payer := validPayer()
		payer.Faculty = ""
		assert.Empty(t, v.Validate(payer, api.KindFaculty))
		assert.Contains(t, v.Validate(payer, api.KindHall), "faculty")
		assert.Empty(t, v.Validate(payer, api.KindFaculty))
	})
}

func TestNormalize(t *testing.T) {
	payer := Normalize(api.PayerData{FirstName: "  Ada ", PhoneNumber: " 08031234567 "})
	assert.Equal(t, "Ada", payer.FirstName)
	assert.Equal(t, "08031234567", payer.PhoneNumber)

	spaced := validPayer()
	spaced.PhoneNumber = "0803 123 4567"
	spaced = Normalize(spaced)
	assert.Equal(t, "0803 123 4567", spaced.PhoneNumber)
	assert.Contains(t, NewPayerValidator().Validate(spaced, api.KindDepartment), "phone_number")
}
