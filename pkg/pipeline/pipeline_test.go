package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apperrors "github.com/radscribe/annotator/internal/errors"
	"github.com/radscribe/annotator/pkg/annotationvalidator"
	"github.com/radscribe/annotator/pkg/datastorage/models"
	"github.com/radscribe/annotator/pkg/schemas"
)

type stubVision struct {
	text string
	err  error
}

func (s *stubVision) Analyze(context.Context, []byte, string) (string, error) {
	return s.text, s.err
}

type stubValidator struct {
	result annotationvalidator.Result
	err    error
	seen   string
}

func (s *stubValidator) Validate(_ context.Context, visionText, _ string) (annotationvalidator.Result, error) {
	s.seen = visionText
	return s.result, s.err
}

type stubEnhancer struct {
	err    error
	called bool
}

func (s *stubEnhancer) Enhance(_ context.Context, a schemas.Annotation) (schemas.Annotation, error) {
	s.called = true
	if s.err != nil {
		return a, s.err
	}
	report := "Enhanced report."
	urgency := schemas.UrgencyRoutine
	significance := schemas.SignificanceLow
	a.GeminiEnhanced = true
	a.GeminiReport = &report
	a.UrgencyLevel = &urgency
	a.ClinicalSignificance = &significance
	return a, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, a schemas.Annotation) schemas.ClinicalSummary {
	primary := "No significant findings"
	if len(a.Findings) > 0 {
		primary = a.Findings[0].Label
	}
	return schemas.ClinicalSummary{
		PrimaryDiagnosis: primary,
		Summary:          "Summary body.",
		KeyFindings:      []string{primary},
	}
}

func acceptedResult() annotationvalidator.Result {
	structured := `{"findings":[{"label":"Pneumothorax","location":"Right lung","severity":"Mild"}],"confidence_score":0.85}`
	return annotationvalidator.Result{
		Annotation: schemas.Annotation{
			Findings: []schemas.Finding{
				{Label: "Pneumothorax", Location: "Right lung", Severity: "Mild"},
			},
			ConfidenceScore: 0.85,
			GeneratedBy:     "structured-output-llm",
		},
		StructuredJSON: &structured,
		Status:         models.ValidationSuccess,
		Attempts:       1,
	}
}

var _ = Describe("Annotate", func() {
	var (
		ctx context.Context
		req Request
	)

	BeforeEach(func() {
		ctx = context.Background()
		req = Request{
			Image:   []byte{0xFF, 0xD8},
			SetName: 7,
			PathURL: "/img.jpg",
		}
	})

	It("returns all four artifacts on the happy path", func() {
		validator := &stubValidator{result: acceptedResult()}
		p := New(&stubVision{text: "raw vision text"}, validator, nil, stubSummarizer{}, 1, zap.NewNop())

		artifacts, err := p.Annotate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(validator.seen).To(Equal("raw vision text"))

		Expect(artifacts.Payload.SetName).To(Equal(int64(7)))
		Expect(artifacts.Payload.PathURL).To(Equal("/img.jpg"))
		Expect(artifacts.Payload.VisionRaw).To(Equal("raw vision text"))
		Expect(artifacts.Payload.ValidationStatus).To(Equal(models.ValidationSuccess))
		Expect(artifacts.Payload.ValidationAttempts).To(Equal(1))
		Expect(artifacts.Payload.ConfidenceScore).To(Equal(0.85))
		Expect(artifacts.Payload.ProcessingError).To(BeNil())

		var persisted schemas.Annotation
		Expect(json.Unmarshal([]byte(artifacts.Payload.PydanticOutput), &persisted)).To(Succeed())
		Expect(persisted.ConfidenceScore).To(Equal(artifacts.Payload.ConfidenceScore))

		Expect(artifacts.DescText).To(HavePrefix("PRIMARY DIAGNOSIS: Pneumothorax"))
		Expect(artifacts.PrimaryLabel).To(Equal("Pneumothorax"))
	})

	It("uses the default prompt when none is supplied", func() {
		var seenPrompt string
		vision := visionFunc(func(_ context.Context, _ []byte, prompt string) (string, error) {
			seenPrompt = prompt
			return "text", nil
		})
		p := New(vision, &stubValidator{result: acceptedResult()}, nil, stubSummarizer{}, 1, zap.NewNop())

		_, err := p.Annotate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(seenPrompt).To(Equal(DefaultPrompt))
	})

	It("assembles a degraded payload when vision is unavailable", func() {
		visionErr := apperrors.New(apperrors.ErrorTypeVisionUnavailable, "model down")
		p := New(&stubVision{err: visionErr}, &stubValidator{}, nil, stubSummarizer{}, 1, zap.NewNop())

		artifacts, err := p.Annotate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(artifacts.Payload.ProcessingError).ToNot(BeNil())
		Expect(*artifacts.Payload.ProcessingError).To(ContainSubstring("model down"))
		Expect(artifacts.Payload.ConfidenceScore).To(Equal(0.0))
		Expect(artifacts.Annotation.Findings).To(BeEmpty())
		Expect(artifacts.PrimaryLabel).To(Equal("Analysis Incomplete"))
		Expect(artifacts.DescText).To(ContainSubstring("could not be analyzed"))
	})

	It("applies enhancement when enabled and validation did not fall back", func() {
		enh := &stubEnhancer{}
		req.EnableEnhancement = true
		p := New(&stubVision{text: "t"}, &stubValidator{result: acceptedResult()}, enh, stubSummarizer{}, 1, zap.NewNop())

		artifacts, err := p.Annotate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(enh.called).To(BeTrue())
		Expect(artifacts.Payload.Enhanced).To(BeTrue())
		Expect(artifacts.Payload.Report).ToNot(BeNil())
		Expect(*artifacts.Payload.UrgencyLevel).To(Equal(schemas.UrgencyRoutine))
	})

	It("skips enhancement when validation fell back", func() {
		enh := &stubEnhancer{}
		req.EnableEnhancement = true
		fallback := acceptedResult()
		fallback.Status = models.ValidationFallback
		fallback.StructuredJSON = nil
		p := New(&stubVision{text: "t"}, &stubValidator{result: fallback}, enh, stubSummarizer{}, 1, zap.NewNop())

		artifacts, err := p.Annotate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(enh.called).To(BeFalse())
		Expect(artifacts.Payload.Enhanced).To(BeFalse())
	})

	It("continues with the unmodified annotation when enhancement fails", func() {
		enh := &stubEnhancer{err: errors.New("enhancer down")}
		req.EnableEnhancement = true
		p := New(&stubVision{text: "t"}, &stubValidator{result: acceptedResult()}, enh, stubSummarizer{}, 1, zap.NewNop())

		artifacts, err := p.Annotate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(enh.called).To(BeTrue())
		Expect(artifacts.Payload.Enhanced).To(BeFalse())
		Expect(artifacts.Payload.ProcessingError).To(BeNil())
	})
})

// visionFunc adapts a function to the VisionAnalyzer interface.
type visionFunc func(ctx context.Context, image []byte, prompt string) (string, error)

func (f visionFunc) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	return f(ctx, image, prompt)
}
