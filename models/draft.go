package models

// StudyDraft is one converted source document before persistence.
//
// Child rows carry the ID of the existing row they matched, or zero when they are new.
type StudyDraft struct {
	NCTID         string
	Fields        StudyFields
	Interventions []Intervention
	Conditions    []Condition
	Eligibilities []Eligibility
}

// ChangedTextFields returns the translatable fields whose value differs between before and after.
func ChangedTextFields(before, after *StudyFields) []string {
	var changed []string
	for _, f := range TranslatableFields {
		if !SameText(before.Text(f), after.Text(f)) {
			changed = append(changed, f)
		}
	}
	return changed
}
