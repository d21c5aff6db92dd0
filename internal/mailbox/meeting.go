package mailbox

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MeetingSender is the pseudo-sender whose boxes are always included in a
// meeting scan; system announcements for a meeting are filed under it.
const MeetingSender = "maestro"

// MeetingSubjectPrefix returns the subject tag that marks a message as
// belonging to a meeting.
func MeetingSubjectPrefix(meetingID string) string {
	return fmt.Sprintf("[MEETING:%s]", meetingID)
}

// MeetingMessages collects the transcript of one meeting: inbox and sent of
// every participant plus the maestro pseudo-sender, filtered by the meeting
// subject tag. Broadcast fan-out writes one copy per participant, so entries
// are de-duplicated by sender, preview, and second-resolution timestamp. The
// result is ascending by timestamp, oldest first.
func (s *Store) MeetingMessages(meetingID string, participants []string, since time.Time) ([]Summary, error) {
	prefix := MeetingSubjectPrefix(meetingID)

	names := make([]string, 0, len(participants)+1)
	seenName := make(map[string]bool)
	for _, p := range append(append([]string{}, participants...), MeetingSender) {
		p = strings.TrimSpace(p)
		if p == "" || seenName[p] {
			continue
		}
		seenName[p] = true
		names = append(names, p)
	}

	type dedupKey struct {
		from    string
		preview string
		second  int64
	}
	seen := make(map[dedupKey]bool)
	var out []Summary

	for _, name := range names {
		for _, box := range []string{BoxInbox, BoxSent} {
			msgs, err := s.readBox(box, name)
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				if !strings.HasPrefix(m.Subject, prefix) {
					continue
				}
				if !since.IsZero() && m.Timestamp.Before(since) {
					continue
				}
				sum := summarize(m, DefaultPreviewLength)
				key := dedupKey{from: sum.From, preview: sum.Preview, second: sum.Timestamp.Unix()}
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, sum)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
