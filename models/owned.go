package models

// PK returns the primary key.
func (i *Intervention) PK() uint { return i.ID }

// AttachTo assigns the owning study and locale.
func (i *Intervention) AttachTo(studyID uint, locale string) {
	i.StudyID = studyID
	i.Locale = locale
}

// PK returns the primary key.
func (e *Eligibility) PK() uint { return e.ID }

// AttachTo assigns the owning study and locale.
func (e *Eligibility) AttachTo(studyID uint, locale string) {
	e.StudyID = studyID
	e.Locale = locale
}
