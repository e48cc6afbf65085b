package progress

import (
	"encoding/json"
	"fmt"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
)

// ActionType names an action on the wire.
type ActionType string

const (
	ActionStartLearningPath          ActionType = "start_learning_path"
	ActionMarkMilestoneComplete      ActionType = "mark_milestone_complete"
	ActionUpdateMilestone            ActionType = "update_milestone"
	ActionResetMilestone             ActionType = "reset_milestone"
	ActionStartSkillDeconstruction   ActionType = "start_skill_deconstruction"
	ActionMarkMilestoneCompleteSkill ActionType = "mark_milestone_complete_skill"
	ActionStartPracticeSession       ActionType = "start_practice_session"
	ActionCompletePracticeSession    ActionType = "complete_practice_session"
	ActionUnlockAchievement          ActionType = "unlock_achievement"
	ActionClearProgress              ActionType = "clear_progress"
	ActionSwitchToSkill              ActionType = "switch_to_skill"
)

// Action is the closed set of state transitions. Actions are passed by value.
type Action interface {
	Type() ActionType
	isAction()
}

// StartLearningPath creates a path from roadmap seeds. PathID is generated
// when empty.
type StartLearningPath struct {
	PathID string          `json:"pathId,omitempty"`
	Topic  string          `json:"topic"`
	Seeds  []MilestoneSeed `json:"milestones"`
}

// MarkMilestoneComplete completes one milestone of a path.
type MarkMilestoneComplete struct {
	PathID      string  `json:"pathId"`
	MilestoneID string  `json:"milestoneId"`
	TimeSpent   int     `json:"timeSpent"`
	Score       *int    `json:"score,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

// MilestonePatch is a partial milestone update; nil fields are left alone.
type MilestonePatch struct {
	Title     *string `json:"title,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	Score     *int    `json:"score,omitempty"`
	TimeSpent *int    `json:"timeSpent,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// UpdateMilestone applies a MilestonePatch.
type UpdateMilestone struct {
	PathID      string         `json:"pathId"`
	MilestoneID string         `json:"milestoneId"`
	Patch       MilestonePatch `json:"patch"`
}

// ResetMilestone clears the completion fields of a milestone.
type ResetMilestone struct {
	PathID      string `json:"pathId"`
	MilestoneID string `json:"milestoneId"`
}

// StartSkillDeconstruction expands a multi-level spec into progress rows.
type StartSkillDeconstruction struct {
	SkillID string    `json:"skillId,omitempty"`
	Spec    SkillSpec `json:"spec"`
}

// MarkMilestoneCompleteSkill completes one row of a skill. LevelNumber 0
// matches the first row with MilestoneID.
type MarkMilestoneCompleteSkill struct {
	SkillID          string  `json:"skillId"`
	MilestoneID      string  `json:"milestoneId"`
	LevelNumber      int     `json:"levelNumber"`
	TimeSpent        int     `json:"timeSpent"`
	Notes            *string `json:"notes,omitempty"`
	DifficultyRating *int    `json:"difficultyRating,omitempty"`
}

// StartPracticeSession opens a practice session for a skill.
type StartPracticeSession struct {
	SessionID       string   `json:"sessionId,omitempty"`
	SkillID         string   `json:"skillId"`
	MilestoneID     string   `json:"milestoneId,omitempty"`
	ActivityType    string   `json:"activityType"`
	Reps            int      `json:"reps,omitempty"`
	Sets            int      `json:"sets,omitempty"`
	SuccessCriteria []string `json:"successCriteria,omitempty"`
}

// CompletePracticeSession closes a session. Duration 0 means "use the
// elapsed time since the session started".
type CompletePracticeSession struct {
	SessionID        string  `json:"sessionId"`
	DifficultyRating int     `json:"difficultyRating"`
	Duration         int     `json:"duration,omitempty"`
	Successful       bool    `json:"successful"`
	Notes            *string `json:"notes,omitempty"`
}

// UnlockAchievement unlocks a catalog entry; repeated unlocks are no-ops.
type UnlockAchievement struct {
	ID string `json:"id"`
}

// ClearProgress removes one path (PathID), one skill with its sessions
// (SkillID), or, when both are empty, everything except achievements.
// PathID wins when both are set.
type ClearProgress struct {
	PathID  string `json:"pathId,omitempty"`
	SkillID string `json:"skillId,omitempty"`
}

// SwitchToSkill moves the current-skill pointer and records it in history.
type SwitchToSkill struct {
	SkillID string `json:"skillId"`
}

func (StartLearningPath) Type() ActionType          { return ActionStartLearningPath }
func (MarkMilestoneComplete) Type() ActionType      { return ActionMarkMilestoneComplete }
func (UpdateMilestone) Type() ActionType            { return ActionUpdateMilestone }
func (ResetMilestone) Type() ActionType             { return ActionResetMilestone }
func (StartSkillDeconstruction) Type() ActionType   { return ActionStartSkillDeconstruction }
func (MarkMilestoneCompleteSkill) Type() ActionType { return ActionMarkMilestoneCompleteSkill }
func (StartPracticeSession) Type() ActionType       { return ActionStartPracticeSession }
func (CompletePracticeSession) Type() ActionType    { return ActionCompletePracticeSession }
func (UnlockAchievement) Type() ActionType          { return ActionUnlockAchievement }
func (ClearProgress) Type() ActionType              { return ActionClearProgress }
func (SwitchToSkill) Type() ActionType              { return ActionSwitchToSkill }

func (StartLearningPath) isAction()          {}
func (MarkMilestoneComplete) isAction()      {}
func (UpdateMilestone) isAction()            {}
func (ResetMilestone) isAction()             {}
func (StartSkillDeconstruction) isAction()   {}
func (MarkMilestoneCompleteSkill) isAction() {}
func (StartPracticeSession) isAction()       {}
func (CompletePracticeSession) isAction()    {}
func (UnlockAchievement) isAction()          {}
func (ClearProgress) isAction()              {}
func (SwitchToSkill) isAction()              {}

// ══════════════════════════════════════════════════════════════════════════════
// WIRE FORMAT
// ══════════════════════════════════════════════════════════════════════════════

// Envelope is the JSON form of an action: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeAction wraps an action in its wire envelope.
func EncodeAction(a Action) ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", a.Type(), err)
	}
	return json.Marshal(Envelope{Type: a.Type(), Payload: payload})
}

// DecodeAction parses a wire envelope into a concrete action value.
func DecodeAction(data []byte) (Action, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, shared.WrapError("progress", "DecodeAction", shared.ErrInvalidFormat, "malformed action envelope", err)
	}

	var (
		action Action
		err    error
	)
	switch env.Type {
	case ActionStartLearningPath:
		action, err = decodePayload[StartLearningPath](env.Payload)
	case ActionMarkMilestoneComplete:
		action, err = decodePayload[MarkMilestoneComplete](env.Payload)
	case ActionUpdateMilestone:
		action, err = decodePayload[UpdateMilestone](env.Payload)
	case ActionResetMilestone:
		action, err = decodePayload[ResetMilestone](env.Payload)
	case ActionStartSkillDeconstruction:
		action, err = decodePayload[StartSkillDeconstruction](env.Payload)
	case ActionMarkMilestoneCompleteSkill:
		action, err = decodePayload[MarkMilestoneCompleteSkill](env.Payload)
	case ActionStartPracticeSession:
		action, err = decodePayload[StartPracticeSession](env.Payload)
	case ActionCompletePracticeSession:
		action, err = decodePayload[CompletePracticeSession](env.Payload)
	case ActionUnlockAchievement:
		action, err = decodePayload[UnlockAchievement](env.Payload)
	case ActionClearProgress:
		action, err = decodePayload[ClearProgress](env.Payload)
	case ActionSwitchToSkill:
		action, err = decodePayload[SwitchToSkill](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownAction, env.Type)
	}
	if err != nil {
		return nil, shared.WrapError("progress", "DecodeAction", shared.ErrInvalidFormat,
			fmt.Sprintf("malformed %s payload", env.Type), err)
	}
	return action, nil
}

func decodePayload[T Action](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
