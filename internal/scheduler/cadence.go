package scheduler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
)

// weekdayTokens maps the weekday names stored in BackupSchedule.Days to the
// three-letter tokens the cron parser understands. Full names and
// abbreviations are both accepted.
var weekdayTokens = map[string]string{
	"sunday": "SUN", "monday": "MON", "tuesday": "TUE", "wednesday": "WED",
	"thursday": "THU", "friday": "FRI", "saturday": "SAT",
	"sun": "SUN", "mon": "MON", "tue": "TUE", "wed": "WED",
	"thu": "THU", "fri": "FRI", "sat": "SAT",
}

// CronExpr renders a schedule's cadence fields as a standard five-field cron
// expression. For cadence "cron" the stored expression is validated and
// returned verbatim, so the scheduler and the next-fire computation always
// agree on what they parsed.
func CronExpr(schedule *db.BackupSchedule) (string, error) {
	if schedule.Cadence == db.CadenceCron {
		expr := strings.TrimSpace(schedule.CronExpr)
		if expr == "" {
			return "", faults.New(faults.Validation, "cadence cron requires a cron expression")
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return "", faults.Newf(faults.Validation, "invalid cron expression %q: %v", expr, err)
		}
		return expr, nil
	}

	hour, minute, err := parseAt(schedule.At)
	if err != nil {
		return "", err
	}

	switch schedule.Cadence {
	case db.CadenceDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case db.CadenceWeekly:
		days, err := parseDays(schedule.Days)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(days, ",")), nil
	case db.CadenceMonthly:
		if schedule.DayOfMonth < 1 || schedule.DayOfMonth > 31 {
			return "", faults.Newf(faults.Validation, "day_of_month must be 1-31, got %d", schedule.DayOfMonth)
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, schedule.DayOfMonth), nil
	default:
		return "", faults.Newf(faults.Validation, "unknown cadence %q", schedule.Cadence)
	}
}

// NextFire computes the first time the schedule fires strictly after from.
func NextFire(schedule *db.BackupSchedule, from time.Time) (time.Time, error) {
	expr, err := CronExpr(schedule)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, faults.Newf(faults.Validation, "invalid cron expression %q: %v", expr, err)
	}
	return parsed.Next(from), nil
}

// parseAt splits an HH:MM wall-clock string.
func parseAt(at string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(at), ":", 2)
	if len(parts) != 2 {
		return 0, 0, faults.Newf(faults.Validation, "at must be HH:MM, got %q", at)
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, faults.Newf(faults.Validation, "at must be HH:MM, got %q", at)
	}
	return hour, minute, nil
}

// parseDays decodes the JSON weekday list into cron day-of-week tokens.
func parseDays(raw string) ([]string, error) {
	var names []string
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, faults.Newf(faults.Validation, "days must be a JSON array of weekday names: %v", err)
		}
	}
	if len(names) == 0 {
		return nil, faults.New(faults.Validation, "cadence weekly requires at least one weekday")
	}
	tokens := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		token, ok := weekdayTokens[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, faults.Newf(faults.Validation, "unknown weekday %q", name)
		}
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}
