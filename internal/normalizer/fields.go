// Package normalizer maps free-form CSV headers onto the canonical voter fields.
package normalizer

// Canonical voter fields, in export order.
const (
	FieldName         = "name"
	FieldFatherName   = "father_name"
	FieldMotherName   = "mother_name"
	FieldGender       = "gender"
	FieldDateOfBirth  = "date_of_birth"
	FieldMobileNumber = "mobile_number"
	FieldDistrict     = "district"
	FieldBlock        = "block"
	FieldGP           = "gp"
	FieldVillage      = "village"
	FieldAddress      = "address"
	FieldCaste        = "caste"
	FieldReligion     = "religion"
	FieldParliament   = "parliament"
	FieldAssembly     = "assembly"
)

// Fields lists the canonical fields in their stable order.
var Fields = []string{
	FieldName,
	FieldFatherName,
	FieldMotherName,
	FieldGender,
	FieldDateOfBirth,
	FieldMobileNumber,
	FieldDistrict,
	FieldBlock,
	FieldGP,
	FieldVillage,
	FieldAddress,
	FieldCaste,
	FieldReligion,
	FieldParliament,
	FieldAssembly,
}

// IsField reports whether name is a canonical field.
func IsField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// DefaultAliases returns the built-in alias sets. Aliases are compared after Canonicalize.
func DefaultAliases() map[string][]string {
	return map[string][]string{
		FieldName:         {"name", "full name", "voter name", "elector name", "applicant name"},
		FieldFatherName:   {"father name", "fathers name", "father", "father's name"},
		FieldMotherName:   {"mother name", "mothers name", "mother", "mother's name"},
		FieldGender:       {"gender", "sex"},
		FieldDateOfBirth:  {"date of birth", "dob", "birth date", "birthdate", "birthday"},
		FieldMobileNumber: {"mobile number", "mobile", "mobile no", "phone", "phone number", "phone no", "contact", "contact number", "cell"},
		FieldDistrict:     {"district", "district name", "dist"},
		FieldBlock:        {"block", "block name"},
		FieldGP:           {"gp", "gram panchayat", "gp name", "panchayat"},
		FieldVillage:      {"village", "village name"},
		FieldAddress:      {"address", "addr", "full address", "residential address"},
		FieldCaste:        {"caste", "caste category"},
		FieldReligion:     {"religion"},
		FieldParliament:   {"parliament", "parliament constituency", "pc", "lok sabha"},
		FieldAssembly:     {"assembly", "assembly constituency", "ac", "vidhan sabha"},
	}
}
