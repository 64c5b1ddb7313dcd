/*
DESCRIPTION
  names.go provides display name truncation and recording file naming.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package booth

import (
	"strings"
	"time"
	"unicode"
)

// Display geometry.
const (
	DisplayWidth = 16
	ellipsis     = "..."
)

// TruncateName shortens name to fit a display line. Names longer than the
// display keep their first 13 characters followed by an ellipsis.
func TruncateName(name string) string {
	r := []rune(name)
	if len(r) <= DisplayWidth {
		return name
	}
	return string(r[:DisplayWidth-len(ellipsis)]) + ellipsis
}

// FileName returns the recording file name for sess, role-name-id.mp4, or a
// timestamp derived name, video-YYYYMMDD-HHMMSS.mp4, if there is no session.
func FileName(sess *Session, now time.Time) string {
	if sess == nil {
		return "video-" + now.Format("20060102-150405") + ".mp4"
	}
	id := sess.Identity
	return sanitize(id.Role) + "-" + sanitize(id.Name) + "-" + sanitize(id.ID) + ".mp4"
}

// sanitize makes s safe for use in a file name.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
