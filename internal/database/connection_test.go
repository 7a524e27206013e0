package database

import (
	"github.com/sirupsen/logrus"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Database Configuration", func() {
	Describe("DefaultConfig", func() {
		It("should return correct default values", func() {
			config := DefaultConfig()

			Expect(config.Path).To(Equal("annotations.db"))
			Expect(config.MaxOpenConns).To(Equal(8))
			Expect(config.BusyTimeoutMS).To(Equal(5000))
		})
	})

	Describe("Validate", func() {
		var config *Config

		BeforeEach(func() {
			config = DefaultConfig()
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(config.Validate()).NotTo(HaveOccurred())
			})
		})

		Context("when path is empty", func() {
			BeforeEach(func() {
				config.Path = ""
			})

			It("should return a validation error", func() {
				err := config.Validate()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database path is required"))
			})
		})

		Context("when max open connections is invalid", func() {
			BeforeEach(func() {
				config.MaxOpenConns = 0
			})

			It("should return a validation error", func() {
				err := config.Validate()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max open connections must be greater than 0"))
			})
		})

		Context("when busy timeout is negative", func() {
			BeforeEach(func() {
				config.BusyTimeoutMS = -1
			})

			It("should return a validation error", func() {
				err := config.Validate()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("busy timeout must be non-negative"))
			})
		})
	})

	Describe("DSN", func() {
		It("should render WAL mode and the busy timeout into the sqlite3 DSN", func() {
			config := &Config{Path: "/tmp/test.db", MaxOpenConns: 4, BusyTimeoutMS: 2500}

			dsn := config.DSN()

			Expect(dsn).To(ContainSubstring("file:/tmp/test.db"))
			Expect(dsn).To(ContainSubstring("_journal_mode=WAL"))
			Expect(dsn).To(ContainSubstring("_busy_timeout=2500"))
			Expect(dsn).To(ContainSubstring("_foreign_keys=on"))
		})
	})

	Describe("Connect", func() {
		var logger *logrus.Logger

		BeforeEach(func() {
			logger = logrus.New()
			logger.SetLevel(logrus.FatalLevel) // Suppress logs during tests
		})

		Context("with invalid configuration", func() {
			It("should return an error for an empty path", func() {
				config := &Config{Path: "", MaxOpenConns: 4}

				_, err := Connect(config, logger)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("invalid database configuration"))
			})
		})

		Context("with a valid file-backed configuration", func() {
			It("should open successfully", func() {
				config := &Config{Path: GinkgoT().TempDir() + "/test.db", MaxOpenConns: 4, BusyTimeoutMS: 1000}

				db, err := Connect(config, logger)
				Expect(err).NotTo(HaveOccurred())
				Expect(db).NotTo(BeNil())
				defer db.Close()

				Expect(db.Ping()).NotTo(HaveOccurred())
			})
		})
	})
})
