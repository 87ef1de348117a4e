package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	SetLogger(l)

	Component("resequencer").WithField("channel", "WWV_10").Warn("gap")
	out := buf.String()
	if !strings.Contains(out, "component=resequencer") {
		t.Errorf("expected component field in %q", out)
	}
	if !strings.Contains(out, "channel=WWV_10") {
		t.Errorf("expected channel field in %q", out)
	}

	// nil installs a discarding logger
	SetLogger(nil)
	Logf("test message: %s", "value")
	if Logger() == l {
		t.Error("expected logger to be replaced")
	}
}

func TestConfigure(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	l := logrus.New()
	SetLogger(l)

	if err := Configure("warn", "json"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if l.GetLevel() != logrus.WarnLevel {
		t.Errorf("expected warn level, got %v", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("expected JSON formatter, got %T", l.Formatter)
	}

	if err := Configure("loud", ""); err == nil {
		t.Error("expected error for unknown level")
	}
}
