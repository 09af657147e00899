package model

import (
	"fmt"
	"sort"
	"strings"
)

// Gender is a closed set of values a PatientFacts record can carry.
type Gender string

const (
	GenderMale    Gender = "Male"
	GenderFemale  Gender = "Female"
	GenderOther   Gender = "Other"
	GenderUnknown Gender = ""
)

// PatientFacts holds the four slots the conversation controller must
// collect before a turn can be answered: age, gender, medications and
// conditions. Medications/Conditions are free-text as supplied by the
// caller; canonicalization happens only at Fingerprint time.
type PatientFacts struct {
	Age         int
	Gender      Gender
	Medications []string
	Conditions  []string
}

// Complete reports whether every slot required to leave the Collecting
// state has been filled. Age 0 is treated as unset. Gender must be
// Male or Female specifically — GenderOther does not satisfy the gate.
func (f PatientFacts) Complete() bool {
	isBinaryGender := f.Gender == GenderMale || f.Gender == GenderFemale
	return f.Age > 0 && isBinaryGender && len(f.Medications) > 0 && len(f.Conditions) > 0
}

// MissingSlots lists the facts still needed, in canonical order, for
// use in a clarifying prompt back to the caller.
func (f PatientFacts) MissingSlots() []string {
	var missing []string
	if f.Age <= 0 {
		missing = append(missing, "age")
	}
	if f.Gender != GenderMale && f.Gender != GenderFemale {
		missing = append(missing, "gender")
	}
	if len(f.Medications) == 0 {
		missing = append(missing, "medications")
	}
	if len(f.Conditions) == 0 {
		missing = append(missing, "conditions")
	}
	return missing
}

// Fingerprint is the canonical, cache- and retrieval-key string derived
// from PatientFacts: "Age:<n>, Gender:<g>, Medications:<sorted;-joined>,
// Conditions:<sorted;-joined>". Two PatientFacts with the same content
// in different order produce the same Fingerprint.
func (f PatientFacts) Fingerprint() string {
	meds := sortedJoin(f.Medications)
	conds := sortedJoin(f.Conditions)
	return fmt.Sprintf("Age:%d, Gender:%s, Medications:%s, Conditions:%s", f.Age, f.Gender, meds, conds)
}

func sortedJoin(items []string) string {
	if len(items) == 0 {
		return ""
	}
	sorted := make([]string, len(items))
	copy(sorted, items)
	for i, v := range sorted {
		sorted[i] = strings.TrimSpace(v)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ";")
}
