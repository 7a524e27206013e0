package validation

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validation", func() {
	Describe("ValidateStringInput", func() {
		Context("with valid input", func() {
			It("should pass validation", func() {
				err := ValidateStringInput("field", "validinput123", 100)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when input is too long", func() {
			It("should return validation error", func() {
				err := ValidateStringInput("field", "toolong", 5)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("must be 5 characters or less"))
			})
		})

		Context("when input contains SQL injection patterns", func() {
			It("should detect UNION attacks", func() {
				err := ValidateStringInput("field", "'; UNION SELECT * FROM users --", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})

			It("should detect script injection", func() {
				err := ValidateStringInput("field", "<script>alert('xss')</script>", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})

			It("should detect SQL comments", func() {
				err := ValidateStringInput("field", "input-- comment", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})
		})

		Context("when input contains control characters", func() {
			It("should detect control characters", func() {
				controlChar := string(rune(0x01)) // SOH control character
				err := ValidateStringInput("field", "input"+controlChar, 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains invalid control characters"))
			})

			It("should allow valid whitespace", func() {
				err := ValidateStringInput("field", "input\twith\nlines\r", 100)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("SanitizeForLogging", func() {
		Context("with clean input", func() {
			It("should return input unchanged", func() {
				input := "clean input text"
				result := SanitizeForLogging(input)
				Expect(result).To(Equal(input))
			})
		})

		Context("with control characters", func() {
			It("should replace control characters", func() {
				controlChar := string(rune(0x01))
				input := "text" + controlChar + "more"
				result := SanitizeForLogging(input)
				Expect(result).To(Equal("text?more"))
			})

			It("should preserve valid whitespace", func() {
				input := "text\twith\nlines\r"
				result := SanitizeForLogging(input)
				Expect(result).To(Equal(input))
			})
		})

		Context("with long input", func() {
			It("should truncate long strings", func() {
				longInput := ""
				for i := 0; i < 300; i++ {
					longInput += "a"
				}

				result := SanitizeForLogging(longInput)
				Expect(len(result)).To(Equal(200))
				Expect(result).To(HaveSuffix("..."))
			})
		})
	})

	Describe("TrimmedNonEmpty", func() {
		It("should reject whitespace-only strings", func() {
			Expect(TrimmedNonEmpty("   ")).To(BeFalse())
			Expect(TrimmedNonEmpty("")).To(BeFalse())
		})

		It("should accept strings with visible content", func() {
			Expect(TrimmedNonEmpty("  pneumothorax  ")).To(BeTrue())
		})
	})

	Describe("New", func() {
		It("should register the custom enum tags used by the schemas package", func() {
			v := New()

			type sample struct {
				Urgency      string `validate:"omitempty,urgencylevel"`
				Significance string `validate:"omitempty,clinicalsignificance"`
				Status       string `validate:"validationstatus"`
			}

			Expect(v.Struct(sample{Urgency: "critical", Significance: "high", Status: "success"})).NotTo(HaveOccurred())
			Expect(v.Struct(sample{Status: "success"})).NotTo(HaveOccurred())
			Expect(v.Struct(sample{Urgency: "bogus", Status: "success"})).To(HaveOccurred())
			Expect(v.Struct(sample{Status: "bogus"})).To(HaveOccurred())
		})
	})
})
