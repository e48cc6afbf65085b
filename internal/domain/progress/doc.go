// Package progress contains the domain model of a learner's progress through
// generated roadmaps.
//
// The package defines:
//
//   - Entities: LearningPath, Milestone, SkillProgress, MilestoneProgress,
//     PracticeSession, Achievement
//   - The aggregate root State, one per user identity
//   - A closed set of Actions and the Reducer that applies them
//   - Seed normalization for roadmaps coming from external generators
//
// # State transitions
//
// State is never mutated in place. Reducer.Reduce returns a new snapshot that
// shares every untouched map and slice with its predecessor, so a reference
// to an older snapshot stays valid and can be diffed against a newer one:
//
//	r := progress.NewReducer(progress.WithClock(clock.Now))
//	s1 := progress.NewState("u-1", catalog)
//	s2 := r.Reduce(s1, progress.StartLearningPath{Topic: "Go", Seeds: seeds})
//	s3 := r.Reduce(s2, progress.MarkMilestoneComplete{PathID: id, MilestoneID: "m1", TimeSpent: 600})
//
// When an action targets an identifier that does not exist the reducer logs
// a warning and returns the very same pointer it was given; callers can use
// pointer equality to detect "nothing happened".
//
// # Derived values
//
// A path's completed count, total count and percentage are methods computed
// from its milestones. They are written to JSON for consumers but never read
// back, so they cannot drift from the milestone list.
package progress
