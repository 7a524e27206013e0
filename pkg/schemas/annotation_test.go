package schemas

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func strPtr(s string) *string { return &s }

var _ = Describe("Annotation", func() {
	valid := func() Annotation {
		return Annotation{
			Findings: []Finding{
				{Label: "Pneumothorax", Location: "Right lung", Severity: "Mild"},
			},
			ConfidenceScore: 0.85,
			GeneratedBy:     "structured-output-llm",
		}
	}

	It("accepts a well-formed annotation", func() {
		Expect(valid().Validate()).To(Succeed())
	})

	It("accepts an empty findings list", func() {
		a := valid()
		a.Findings = []Finding{}
		Expect(a.Validate()).To(Succeed())
	})

	It("rejects a confidence score above 1.0", func() {
		a := valid()
		a.ConfidenceScore = 1.01
		Expect(a.Validate()).To(HaveOccurred())
	})

	It("rejects a negative confidence score", func() {
		a := valid()
		a.ConfidenceScore = -0.1
		Expect(a.Validate()).To(HaveOccurred())
	})

	It("rejects enhancement fields when gemini_enhanced is false", func() {
		a := valid()
		a.UrgencyLevel = strPtr(UrgencyCritical)
		Expect(a.Validate()).To(HaveOccurred())
	})

	It("accepts enhancement fields when gemini_enhanced is true", func() {
		a := valid()
		a.GeminiEnhanced = true
		a.GeminiReport = strPtr("report")
		a.UrgencyLevel = strPtr(UrgencyRoutine)
		a.ClinicalSignificance = strPtr(SignificanceLow)
		Expect(a.Validate()).To(Succeed())
	})

	It("rejects an out-of-vocabulary urgency level", func() {
		a := valid()
		a.GeminiEnhanced = true
		a.UrgencyLevel = strPtr("immediate")
		Expect(a.Validate()).To(HaveOccurred())
	})

	It("rejects an invalid nested finding", func() {
		a := valid()
		a.Findings = append(a.Findings, Finding{Label: "   ", Location: "Chest", Severity: "Mild"})
		Expect(a.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("ClinicalSummary", func() {
	valid := func() ClinicalSummary {
		return ClinicalSummary{
			PrimaryDiagnosis: "Right pneumothorax",
			Summary:          "A small right pneumothorax is present.",
			KeyFindings:      []string{"Right pneumothorax"},
		}
	}

	It("accepts a well-formed summary", func() {
		Expect(valid().Validate()).To(Succeed())
	})

	It("rejects more than five key findings", func() {
		s := valid()
		s.KeyFindings = []string{"a", "b", "c", "d", "e", "f"}
		Expect(s.Validate()).To(HaveOccurred())
	})

	It("rejects a primary diagnosis over 100 chars", func() {
		s := valid()
		s.PrimaryDiagnosis = string(make([]byte, 101))
		Expect(s.Validate()).To(HaveOccurred())
	})

	It("rejects a recommendations field over 500 chars", func() {
		long := string(make([]byte, 501))
		s := valid()
		s.Recommendations = &long
		Expect(s.Validate()).To(HaveOccurred())
	})
})
