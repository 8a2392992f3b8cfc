// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package logger_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	. "github.com/porpulsion/porpulsion/pkg/logger"
)

var _ = Describe("zap", func() {
	Describe("#NewZapLogger", func() {
		It("should return a pointer to a Logger object ('debug' level)", func() {
			logger, err := NewZapLogger(DebugLevel, FormatText)
			Expect(err).NotTo(HaveOccurred())
			Expect(logger.V(0).Enabled()).To(BeTrue())
			Expect(logger.V(1).Enabled()).To(BeTrue())
		})

		It("should return a pointer to a Logger object ('info' level)", func() {
			logger, err := NewZapLogger(InfoLevel, FormatText)
			Expect(err).NotTo(HaveOccurred())
			Expect(logger.V(0).Enabled()).To(BeTrue())
			Expect(logger.V(1).Enabled()).To(BeFalse())
		})

		It("should default to 'info' level", func() {
			logger, err := NewZapLogger("", FormatText)
			Expect(err).NotTo(HaveOccurred())
			Expect(logger.V(0).Enabled()).To(BeTrue())
			Expect(logger.V(1).Enabled()).To(BeFalse())
		})

		It("should return a pointer to a Logger object ('error' level)", func() {
			logger, err := NewZapLogger(ErrorLevel, FormatText)
			Expect(err).NotTo(HaveOccurred())
			Expect(logger.V(0).Enabled()).To(BeFalse())
			Expect(logger.V(1).Enabled()).To(BeFalse())
		})

		It("should reject invalid log level", func() {
			_, err := NewZapLogger("invalid", FormatText)
			Expect(err).To(HaveOccurred())
		})

		It("should reject invalid log format", func() {
			_, err := NewZapLogger(InfoLevel, "xml")
			Expect(err).To(HaveOccurred())
		})

		It("should default to the JSON format", func() {
			_, err := NewZapLogger(InfoLevel, "")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("#NewZapLoggerWithAtomicLevel", func() {
		It("should expose a level that can be changed at runtime", func() {
			logger, level, err := NewZapLoggerWithAtomicLevel(InfoLevel, FormatText)
			Expect(err).NotTo(HaveOccurred())
			Expect(logger.V(1).Enabled()).To(BeFalse())

			level.SetLevel(zapcore.DebugLevel)
			Expect(logger.V(1).Enabled()).To(BeTrue())
		})
	})

	Describe("#ParseLevel", func() {
		It("should accept the settings-style upper-case levels", func() {
			for value, expected := range map[string]zapcore.Level{
				"DEBUG": zapcore.DebugLevel,
				"INFO":  zapcore.InfoLevel,
				"WARN":  zapcore.WarnLevel,
				"ERROR": zapcore.ErrorLevel,
			} {
				level, err := ParseLevel(value)
				Expect(err).NotTo(HaveOccurred())
				Expect(level).To(Equal(expected))
			}
		})

		It("should reject unknown levels", func() {
			_, err := ParseLevel("TRACE")
			Expect(err).To(HaveOccurred())
		})
	})
})
