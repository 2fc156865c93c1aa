package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew_ProductionUsesJSON(t *testing.T) {
	logger := New("debug", "production")

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNew_DevelopmentUsesText(t *testing.T) {
	logger := New("info", "development")

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNew_InvalidLevelFallsBack(t *testing.T) {
	logger := New("shout", "development")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
