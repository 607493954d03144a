package engine

import (
	"fmt"

	"github.com/zkorum/mathupdater/core"
)

// Validate checks that the response has every table the update needs and
// that the values fit the snapshot columns. Empty statement or participant
// tables are how the engine reports insufficient data, and are rejected
// like any other malformed output.
func (m *MathResults) Validate() error {
	switch {
	case m.Statements == nil:
		return malformed("missing statements_df")
	case m.Participants == nil:
		return malformed("missing participants_df")
	case m.Repness == nil:
		return malformed("missing repness")
	case m.GroupCommentStats == nil:
		return malformed("missing group_comment_stats")
	case m.Consensus == nil:
		return malformed("missing consensus")
	}
	if len(m.Statements) == 0 || len(m.Participants) == 0 {
		return malformed("insufficient data: empty statements_df or participants_df")
	}

	if _, err := m.GroupIDs(); err != nil {
		return malformed(err.Error())
	}
	for group, entries := range m.Repness {
		for i, r := range entries {
			if r.RepfulFor != "agree" && r.RepfulFor != "disagree" {
				return malformed(fmt.Sprintf("repness[%s][%d]: repful-for %q", group, i, r.RepfulFor))
			}
			if r.PSuccess < 0 || r.PSuccess > 1 {
				return malformed(fmt.Sprintf("repness[%s][%d]: p-success %v out of [0,1]", group, i, r.PSuccess))
			}
		}
	}
	return nil
}

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", core.ErrMalformedEngineOutput, detail)
}
