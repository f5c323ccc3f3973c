package core

import (
	"fmt"
	"net/url"
	"strings"

	"sitepatrol/internal/apperr"
)

// NormalizeTask trims user input, defaults empty monitoring levels to basic
// and rejects tasks the coordinator could not run.
func NormalizeTask(task *PatrolTask) error {
	task.Name = strings.TrimSpace(task.Name)
	task.Description = strings.TrimSpace(task.Description)
	if task.Name == "" {
		return invalidTask("name is required")
	}
	if len(task.Targets) == 0 {
		return invalidTask("at least one target url is required")
	}
	for i := range task.Targets {
		t := &task.Targets[i]
		t.URL = strings.TrimSpace(t.URL)
		t.Name = strings.TrimSpace(t.Name)
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalidTask(fmt.Sprintf("target %d: %q is not an http(s) url", i+1, t.URL))
		}
		if t.Name == "" {
			t.Name = u.Host
		}
		switch t.MonitoringLevel {
		case "":
			t.MonitoringLevel = MonitoringBasic
		case MonitoringBasic, MonitoringStandard, MonitoringFull:
		default:
			return invalidTask(fmt.Sprintf("target %d: unknown monitoring level %q", i+1, t.MonitoringLevel))
		}
	}
	emails := task.NotificationEmails[:0]
	for _, e := range task.NotificationEmails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "@") {
			return invalidTask(fmt.Sprintf("%q is not an email address", e))
		}
		emails = append(emails, e)
	}
	task.NotificationEmails = emails
	if task.Config == nil {
		task.Config = map[string]any{}
	}
	return nil
}

func invalidTask(msg string) error {
	return apperr.Validation(msg, apperr.WithName("TaskValidationError"))
}
