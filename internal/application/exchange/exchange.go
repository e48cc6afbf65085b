package exchange

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FORMATS
// ══════════════════════════════════════════════════════════════════════════════

// Format names an export rendering.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatSummary Format = "summary"
)

// ParseFormat accepts json, csv, summary (and txt/text for summary).
// Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "summary", "txt", "text":
		return FormatSummary, nil
	}
	return "", shared.WrapError("exchange", "ParseFormat", shared.ErrInvalidInput,
		fmt.Sprintf("format %q", s), shared.ErrUnsupportedFormat)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatSummary:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// Extension returns the file extension of f, without the dot.
func (f Format) Extension() string {
	if f == FormatSummary {
		return "txt"
	}
	return string(f)
}

// ══════════════════════════════════════════════════════════════════════════════
// EXPORT
// ══════════════════════════════════════════════════════════════════════════════

// Write renders env to w in format f.
func Write(w io.Writer, env Envelope, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	case FormatCSV:
		return writeCSV(w, env)
	case FormatSummary:
		return writeSummary(w, env)
	}
	return shared.ErrUnsupportedFormat
}

var csvHeader = []string{
	"source", "container_id", "container_name", "level", "milestone_id", "title",
	"kind", "status", "completed_at", "time_spent_seconds", "score", "notes",
}

// writeCSV writes one row per path milestone and per skill row.
func writeCSV(w io.Writer, env Envelope) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range env.LearningPaths {
		for _, m := range p.Milestones {
			status := "not_started"
			if m.Completed {
				status = "completed"
			}
			score := ""
			if m.Score != nil {
				score = strconv.Itoa(*m.Score)
			}
			if err := cw.Write([]string{
				"path", p.ID, p.Topic, "", m.ID, m.Title,
				string(m.Kind), status, formatTime(m.CompletedAt), strconv.Itoa(m.TimeSpent), score, m.Notes,
			}); err != nil {
				return err
			}
		}
	}
	for _, sk := range env.Skills {
		for _, m := range sk.Milestones {
			rating := ""
			if m.DifficultyRating > 0 {
				rating = strconv.Itoa(m.DifficultyRating)
			}
			if err := cw.Write([]string{
				"skill", sk.ID, sk.SkillName, strconv.Itoa(m.LevelNumber), m.MilestoneID, m.Title,
				string(m.Kind), string(m.Status), formatTime(m.CompletedAt), strconv.Itoa(m.TimeSpent), rating, m.Notes,
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeSummary(w io.Writer, env Envelope) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Learning progress")
	if env.UserID != "" {
		fmt.Fprintf(&b, " for %s", env.UserID)
	}
	fmt.Fprintf(&b, "\nExported %s\n\n", env.ExportDate.UTC().Format("2006-01-02 15:04 MST"))

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Milestones\t%d / %d\n", env.Stats.CompletedMilestones, env.Stats.TotalMilestones)
	fmt.Fprintf(tw, "Time spent\t%s\n", formatDuration(env.Stats.TotalTimeSpent))
	fmt.Fprintf(tw, "Current streak\t%d days\n", env.Stats.CurrentStreak)
	fmt.Fprintf(tw, "Longest streak\t%d days\n", env.Stats.LongestStreak)
	fmt.Fprintf(tw, "Achievements\t%d / %d\n", env.Stats.UnlockedAchievements, len(env.Achievements))
	if env.Analytics != nil {
		fmt.Fprintf(tw, "Velocity\t%.2f milestones/day\n", env.Analytics.Velocity)
		fmt.Fprintf(tw, "Trend\t%s\n", env.Analytics.Trend)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(env.LearningPaths) > 0 {
		b.WriteString("\nPaths\n")
		tw = tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		for _, p := range env.LearningPaths {
			fmt.Fprintf(tw, "  %s\t%d/%d\t%d%%\t%s\n", p.Topic, p.CompletedCount(), p.TotalCount(), p.Progress(), formatDuration(p.TimeSpent()))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(env.Skills) > 0 {
		b.WriteString("\nSkills\n")
		tw = tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		for _, sk := range env.Skills {
			fmt.Fprintf(tw, "  %s\t%s\tlevel %d/%d\t%d%%\n", sk.SkillName, sk.Difficulty, min(sk.CurrentLevel, sk.TotalLevels), sk.TotalLevels, sk.OverallProgress())
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	var unlocked []string
	for _, a := range env.Achievements {
		if a.Unlocked {
			unlocked = append(unlocked, strings.TrimSpace(a.Icon+" "+a.Title))
		}
	}
	if len(unlocked) > 0 {
		b.WriteString("\nUnlocked\n")
		for _, u := range unlocked {
			fmt.Fprintf(&b, "  %s\n", u)
		}
	}

	_, err := w.Write(b.Bytes())
	return err
}

func formatDuration(seconds int) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %02dm", h, m)
}

// ══════════════════════════════════════════════════════════════════════════════
// IMPORT
// ══════════════════════════════════════════════════════════════════════════════

//go:embed envelope.schema.json
var schemaJSON []byte

const schemaURL = "schema://roadmap-export.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(schemaURL)
})

// Read parses and validates an export envelope. Documents missing any of the
// required collections, or with a different major version, are rejected.
func Read(r io.Reader) (Envelope, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("read envelope: %w", err)
	}
	return Parse(data)
}

// Parse is Read for a byte slice.
func Parse(data []byte) (Envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Envelope{}, shared.WrapError("exchange", "Import", shared.ErrInvalidFormat, "not JSON",
			joinKind(shared.ErrInvalidEnvelope, err))
	}
	schema, err := compileSchema()
	if err != nil {
		return Envelope{}, fmt.Errorf("compile envelope schema: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Envelope{}, shared.WrapError("exchange", "Import", shared.ErrValidation, "envelope rejected",
			joinKind(shared.ErrInvalidEnvelope, err))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, shared.WrapError("exchange", "Import", shared.ErrInvalidFormat, "decode envelope",
			joinKind(shared.ErrInvalidEnvelope, err))
	}
	if major(env.Version) != major(Version) {
		return Envelope{}, shared.WrapError("exchange", "Import", shared.ErrInvalidFormat,
			fmt.Sprintf("version %s", env.Version), shared.ErrUnsupportedVersion)
	}
	return env, nil
}

func joinKind(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
