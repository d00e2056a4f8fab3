// Package extract pulls a best-effort structured record out of raw lab-report
// text: patient identifiers, recognized test measurements, relevant dates and
// originating-facility metadata.
//
// Extraction is a pipeline of independent field extractors, each an ordered
// list of patterns where the first match wins. A field with no match stays
// empty; nothing here ever fails the caller. Patterns cover French and English
// report layouts since source documents come in either language.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/labdesk/labdesk/internal/findings"
)

// PatientInfo is the patient identity block of a report.
type PatientInfo struct {
	Name        string `json:"name,omitempty"`
	Age         int    `json:"age,omitempty"`
	Gender      string `json:"gender,omitempty"`
	ReferenceID string `json:"referenceId,omitempty"`
}

// Dates distinguishes when the sample was taken from when results were issued.
type Dates struct {
	SampleDate string `json:"sampleDate,omitempty"`
	ResultDate string `json:"resultDate,omitempty"`
}

// LabInfo identifies the originating facility.
type LabInfo struct {
	Name      string `json:"name,omitempty"`
	Physician string `json:"physician,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Result is the structured view of one report. Sub-objects are best-effort:
// an empty PatientInfo with a populated TestResults list is a normal outcome.
type Result struct {
	RawText     string                `json:"rawText,omitempty"`
	PatientInfo PatientInfo           `json:"patientInfo,omitempty"`
	TestResults []findings.TestResult `json:"testResults,omitempty"`
	Dates       Dates                 `json:"dates,omitempty"`
	LabInfo     LabInfo               `json:"labInfo,omitempty"`
}

// firstMatch tries patterns in order and returns the first capture group of
// the first one that matches, trimmed. Empty when nothing matches.
func firstMatch(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); len(m) >= 2 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

var namePatterns = []*regexp.Regexp{
	// Name words are kept to one line so a following labeled line is never
	// swallowed into the capture.
	regexp.MustCompile(`(?i)(?:nom\s+du\s+patient|patient|nom|name)[ \t]*[:\-][ \t]*([A-ZÀ-Ý][A-Za-zÀ-ÿ'\-]+(?:[ \t]+[A-ZÀ-Ý][A-Za-zÀ-ÿ'\-]+)*)`),
	regexp.MustCompile(`(?:M\.|Mme|Mlle|Mr|Mrs|Ms)[ \t]+([A-ZÀ-Ý][A-Za-zÀ-ÿ'\-]+(?:[ \t]+[A-ZÀ-Ý][A-Za-zÀ-ÿ'\-]+)*)`),
}

var agePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:âge|age)\s*[:\-]?\s*(\d{1,3})\b`),
	regexp.MustCompile(`(?i)\b(\d{1,3})\s+ans\b`),
}

var genderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:sexe|sex|genre|gender)\s*[:\-]?\s*([A-Za-z]+)`),
}

var referencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:n°\s*dossier|dossier|r[ée]f[ée]rence|ref)\s*[:\-]?\s*([A-Z0-9][A-Z0-9\-]{3,})`),
	regexp.MustCompile(`(?i)\bID\s*[:\-]\s*([A-Z0-9][A-Z0-9\-]{3,})`),
}

func extractPatient(text string) PatientInfo {
	p := PatientInfo{
		Name:        firstMatch(text, namePatterns),
		ReferenceID: firstMatch(text, referencePatterns),
	}
	if age := firstMatch(text, agePatterns); age != "" {
		if n, err := strconv.Atoi(age); err == nil {
			p.Age = n
		}
	}
	// Gender keeps only the first letter of the matched token, uppercased,
	// so "Féminin", "female" and "F" all normalize to "F".
	if g := firstMatch(text, genderPatterns); g != "" {
		p.Gender = strings.ToUpper(g[:1])
	}
	return p
}

// recognizedTests is the fixed list of clinical test names the extractor
// knows. Unrecognized numeric patterns are discarded: precision over recall.
var recognizedTests = []string{
	`glyc[ée]mie`,
	`glucose`,
	`h[ée]moglobine?`,
	`hemoglobin`,
	`cholest[ée]rol\s+total`,
	`cholest[ée]rol`,
	`cholesterol`,
	`HDL`,
	`LDL`,
	`triglyc[ée]rides?`,
	`cr[ée]atinine`,
	`creatinine`,
	`TSH`,
	`ur[ée]e`,
	`plaquettes`,
	`platelets?`,
	`leucocytes`,
	`ferritine?`,
	`CRP`,
	`ALAT`,
	`ASAT`,
}

// testPatterns is built once: each pattern captures the test name as written,
// a numeric value, an optional unit token and an optional parenthesized range.
var testPatterns = buildTestPatterns()

func buildTestPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(recognizedTests))
	for i, name := range recognizedTests {
		patterns[i] = regexp.MustCompile(
			`(?i)\b(` + name + `)\b\s*[:\-]?\s*` +
				`(\d+(?:[.,]\d+)?)` +
				`\s*([A-Za-zµ%][A-Za-zµ%/\d]*)?` +
				`\s*(?:\(([^)]+)\))?`,
		)
	}
	return patterns
}

func extractTests(text string) []findings.TestResult {
	var out []findings.TestResult
	seen := make(map[string]bool)

	for _, re := range testPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(m[1])
			key := strings.ToLower(name)
			if seen[key] {
				continue
			}
			value, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
			if err != nil {
				continue
			}
			seen[key] = true
			out = append(out, findings.TestResult{
				Test:  name,
				Value: value,
				Unit:  strings.TrimSpace(m[3]),
				Range: strings.TrimSpace(m[4]),
			})
		}
	}
	return out
}

const datePattern = `(\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4})`

var sampleDatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:date\s+de\s+pr[ée]l[èe]vement|pr[ée]lev[ée]+\s+le|sample\s+date|collected(?:\s+on)?)\s*[:\-]?\s*` + datePattern),
}

var resultDatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:date\s+d[ue]s?\s+r[ée]sultats?|result\s+date|reported(?:\s+on)?|valid[ée]\s+le)\s*[:\-]?\s*` + datePattern),
}

var genericDatePattern = regexp.MustCompile(datePattern)

func extractDates(text string) Dates {
	d := Dates{
		SampleDate: firstMatch(text, sampleDatePatterns),
		ResultDate: firstMatch(text, resultDatePatterns),
	}
	// An unlabeled date only stands in for the sample date when no labeled
	// one was found.
	if d.SampleDate == "" {
		if m := genericDatePattern.FindStringSubmatch(text); len(m) >= 2 {
			d.SampleDate = m[1]
		}
	}
	return d
}

var labNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:laboratoire|laboratory)\s*[:\-]?\s*([^\n,]+)`),
}

var physicianPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:docteur|dr|m[ée]decin|physician)\b\.?[ \t]*[:\-]?[ \t]*([A-ZÀ-Ý][A-Za-zÀ-ÿ'\-]+(?:[ \t]+[A-ZÀ-Ý][A-Za-zÀ-ÿ'\-]+)*)`),
}

var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:t[ée]l[ée]phone|t[ée]l\.?|phone)\s*[:\-]?\s*(\+?[\d][\d\s.\-]{7,}\d)`),
}

func extractLab(text string) LabInfo {
	return LabInfo{
		Name:      firstMatch(text, labNamePatterns),
		Physician: firstMatch(text, physicianPatterns),
		Phone:     firstMatch(text, phonePatterns),
	}
}

// Parse runs every field extractor over text. It is a pure function: the
// worst outcome for bad input is a Result carrying only the raw text.
func Parse(text string) Result {
	return Result{
		RawText:     text,
		PatientInfo: extractPatient(text),
		TestResults: extractTests(text),
		Dates:       extractDates(text),
		LabInfo:     extractLab(text),
	}
}
