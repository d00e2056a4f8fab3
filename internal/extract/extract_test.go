package extract

import "testing"

const sampleReport = `LABORATOIRE: Laboratoire Central de Biologie Médicale
Téléphone: 01 42 33 44 55
Docteur: Marie Dubois

Nom du patient: Jean Dupont
Âge: 54 ans
Sexe: Masculin
Dossier: LAB-2024-0117

Date de prélèvement: 12/03/2024
Date des résultats: 14/03/2024

RESULTATS
Glycémie: 130 mg/dL (70-110)
Cholestérol total: 2.4 g/L (1.5-2.5)
Créatinine: 9.5 mg/L (6-13)
TSH: 2.1 mUI/L (0.4-4.0)
`

func TestParse_Patient(t *testing.T) {
	r := Parse(sampleReport)

	if r.PatientInfo.Name != "Jean Dupont" {
		t.Errorf("Name = %q, want %q", r.PatientInfo.Name, "Jean Dupont")
	}
	if r.PatientInfo.Age != 54 {
		t.Errorf("Age = %d, want 54", r.PatientInfo.Age)
	}
	if r.PatientInfo.Gender != "M" {
		t.Errorf("Gender = %q, want M", r.PatientInfo.Gender)
	}
	if r.PatientInfo.ReferenceID != "LAB-2024-0117" {
		t.Errorf("ReferenceID = %q, want LAB-2024-0117", r.PatientInfo.ReferenceID)
	}
}

func TestParse_TestResults(t *testing.T) {
	r := Parse(sampleReport)

	byName := map[string]int{}
	for i, tr := range r.TestResults {
		byName[tr.Test] = i
	}

	idx, ok := byName["Glycémie"]
	if !ok {
		t.Fatalf("Glycémie not extracted; got %+v", r.TestResults)
	}
	g := r.TestResults[idx]
	if g.Value != 130 || g.Unit != "mg/dL" || g.Range != "70-110" {
		t.Errorf("Glycémie = %+v, want value 130, unit mg/dL, range 70-110", g)
	}

	if idx, ok := byName["TSH"]; !ok {
		t.Error("TSH not extracted")
	} else if r.TestResults[idx].Value != 2.1 {
		t.Errorf("TSH value = %v, want 2.1", r.TestResults[idx].Value)
	}

	if _, ok := byName["Cholestérol total"]; !ok {
		t.Errorf("Cholestérol total not extracted; got %+v", r.TestResults)
	}
}

func TestParse_RangeWithoutUnit(t *testing.T) {
	r := Parse("Glycémie: 130 (70-110)")
	if len(r.TestResults) != 1 {
		t.Fatalf("got %d results, want 1", len(r.TestResults))
	}
	tr := r.TestResults[0]
	if tr.Test != "Glycémie" || tr.Value != 130 || tr.Unit != "" || tr.Range != "70-110" {
		t.Errorf("unexpected result %+v", tr)
	}
}

func TestParse_Dates(t *testing.T) {
	r := Parse(sampleReport)
	if r.Dates.SampleDate != "12/03/2024" {
		t.Errorf("SampleDate = %q, want 12/03/2024", r.Dates.SampleDate)
	}
	if r.Dates.ResultDate != "14/03/2024" {
		t.Errorf("ResultDate = %q, want 14/03/2024", r.Dates.ResultDate)
	}
}

func TestParse_GenericDateFallback(t *testing.T) {
	r := Parse("Imprimé le 05/06/2024 sans autre mention")
	if r.Dates.SampleDate != "05/06/2024" {
		t.Errorf("SampleDate = %q, want generic date kept", r.Dates.SampleDate)
	}
	if r.Dates.ResultDate != "" {
		t.Errorf("ResultDate = %q, want empty", r.Dates.ResultDate)
	}
}

func TestParse_LabInfo(t *testing.T) {
	r := Parse(sampleReport)
	if r.LabInfo.Name != "Laboratoire Central de Biologie Médicale" {
		t.Errorf("lab Name = %q", r.LabInfo.Name)
	}
	if r.LabInfo.Physician != "Marie Dubois" {
		t.Errorf("Physician = %q, want Marie Dubois", r.LabInfo.Physician)
	}
	if r.LabInfo.Phone != "01 42 33 44 55" {
		t.Errorf("Phone = %q", r.LabInfo.Phone)
	}
}

func TestParse_EmptyText(t *testing.T) {
	r := Parse("")
	if r.PatientInfo != (PatientInfo{}) {
		t.Errorf("PatientInfo = %+v, want zero", r.PatientInfo)
	}
	if len(r.TestResults) != 0 {
		t.Errorf("TestResults = %+v, want empty", r.TestResults)
	}
	if r.Dates != (Dates{}) || r.LabInfo != (LabInfo{}) {
		t.Errorf("Dates/LabInfo not zero: %+v %+v", r.Dates, r.LabInfo)
	}
}

func TestParse_UnrecognizedNumbersDiscarded(t *testing.T) {
	r := Parse("Vitesse de sédimentation: 12 mm (0-20)\nSomething: 42")
	if len(r.TestResults) != 0 {
		t.Errorf("unrecognized measurements were kept: %+v", r.TestResults)
	}
}
