package types

import "errors"

type Step string

const (
	StepDoctorMessage     Step = "doctor_message"
	StepPatientMessage    Step = "patient_message"
	StepIdentifyIssue     Step = "identify_issue"
	StepDiagnosis         Step = "diagnosis"
	StepQuestionToClarify Step = "question_to_clarify_issue"
	StepFinalConclusion   Step = "final_conclusion"
	StepTerminated        Step = "terminated"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

type IssueDetail struct {
	Duration FreeText `json:"duration" jsonschema:"description=How long the issue has lasted, empty if unknown"`
	Severity FreeText `json:"severity" jsonschema:"description=How severe the issue is, empty if unknown"`
	Notes    FreeText `json:"notes,omitempty" jsonschema:"description=Anything else said about the issue"`
}

// HealthIssues maps an issue name to what is known about it.
type HealthIssues map[string]IssueDetail

func (h HealthIssues) Clone() HealthIssues {
	if h == nil {
		return nil
	}
	out := make(HealthIssues, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

type Decision string

const (
	DecisionYes Decision = "yes"
	DecisionNo  Decision = "no"
)

// Affirmative reports whether the model claimed it has enough information.
func (d Decision) Affirmative() bool {
	return containsFold(string(d), string(DecisionYes))
}

type DiagnosisItem struct {
	Name          FreeText `json:"name" jsonschema:"description=Name of the diagnosis"`
	Justification FreeText `json:"justification" jsonschema:"description=Why the diagnosis is likely"`
	ICD10Link     FreeText `json:"link" jsonschema:"description=Link to the ICD-10 code"`
	Rating        FreeText `json:"rating" jsonschema:"description=Likelihood from 1 (least) to 10 (most)"`
}

type Diagnosis struct {
	Decision          Decision      `json:"decision" jsonschema:"enum=yes,enum=no,description=yes when a final diagnosis can be made"`
	Diagnoses         DiagnosisList `json:"diagnoses" jsonschema:"description=At most 3 candidate diagnoses ranked from most likely"`
	InformationNeeded FreeText      `json:"information_needed" jsonschema:"description=Information still needed for a final diagnosis"`
}

type Question struct {
	Question         FreeText `json:"question" jsonschema:"description=Short question for the patient"`
	SelectiveAnswers []string `json:"selective_answers" jsonschema:"description=1 to 3 answer options"`
}

type ClarifyingQuestions struct {
	Questions QuestionList `json:"question_to_clarify" jsonschema:"description=1 to 3 questions"`
}

type FinalConclusion struct {
	FinalDiagnosis FreeText `json:"final_diagnosis"`
	Justification  FreeText `json:"justification"`
	Suggestions    FreeText `json:"suggestions"`
	Medications    FreeText `json:"medications"`
}

// Empty reports whether the model produced no usable conclusion at all.
func (c *FinalConclusion) Empty() bool {
	return c == nil || (c.FinalDiagnosis == "" && c.Justification == "" && c.Suggestions == "" && c.Medications == "")
}

// Validate rejects a conclusion with every field blank.
func (c *FinalConclusion) Validate() error {
	if c.Empty() {
		return errors.New("final conclusion is empty")
	}
	return nil
}
