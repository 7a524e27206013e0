package schemas

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Finding", func() {
	var f Finding

	BeforeEach(func() {
		f = Finding{Label: "Pneumothorax", Location: "Right lung", Severity: "Moderate"}
	})

	Context("Valid Finding", func() {
		It("should pass validation", func() {
			Expect(f.Validate()).To(BeNil())
		})
	})

	Context("Label invariant", func() {
		It("should reject an empty label", func() {
			f.Label = ""
			err := f.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.(*ValidationError).FieldErrors).To(HaveKey("label"))
		})

		It("should reject a whitespace-only label", func() {
			f.Label = "   "
			err := f.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.(*ValidationError).FieldErrors).To(HaveKey("label"))
		})

		It("should reject a label over 20 characters", func() {
			f.Label = "This label is far too long"
			err := f.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.(*ValidationError).FieldErrors).To(HaveKey("label"))
		})
	})

	Context("Required fields", func() {
		It("should reject an empty location", func() {
			f.Location = ""
			Expect(f.Validate()).To(HaveOccurred())
		})

		It("should reject an empty severity", func() {
			f.Severity = ""
			Expect(f.Validate()).To(HaveOccurred())
		})
	})
})
