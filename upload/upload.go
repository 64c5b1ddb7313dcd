/*
DESCRIPTION
  upload.go provides Samba, an uploader copying finalized recordings to an
  SMB share using smbclient.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package upload provides copying of recordings to remote storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ausocean/booth/config"
	"github.com/ausocean/booth/metrics"
	"github.com/ausocean/booth/video"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "upload: "

// Share defaults.
const (
	DefaultPort = 445
	DefaultUser = "guest"
	outputTail  = 512
)

// Upload errors.
var (
	ErrNotConfigured = errors.New("no samba share configured")
	ErrBadShare      = errors.New("invalid samba share")
)

// Share is a parsed SMB share location.
type Share struct {
	Server string
	Port   int
	Name   string
}

// Service returns the share in smbclient's //server/share form.
func (s Share) Service() string { return "//" + s.Server + "/" + s.Name }

// ParseShare parses a share of the form smb://server[:port]/share.
func ParseShare(s string) (Share, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "smb://")
	if !ok {
		return Share{}, fmt.Errorf("%w: %q lacks smb:// scheme", ErrBadShare, s)
	}
	host, name, _ := strings.Cut(rest, "/")
	name = strings.Trim(name, "/")
	if host == "" || name == "" {
		return Share{}, fmt.Errorf("%w: %q", ErrBadShare, s)
	}

	sh := Share{Server: host, Port: DefaultPort, Name: name}
	if h, p, ok := strings.Cut(host, ":"); ok {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Share{}, fmt.Errorf("%w: bad port %q", ErrBadShare, p)
		}
		sh.Server, sh.Port = h, port
	}
	return sh, nil
}

// Samba uploads files to the share named in the current settings.
type Samba struct {
	log      logging.Logger
	settings func() config.Config

	// Command creates the smbclient process and is replaced in tests.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewSamba returns a Samba uploader reading its share and credentials from
// settings on every upload.
func NewSamba(l logging.Logger, settings func() config.Config) *Samba {
	return &Samba{log: l, settings: settings, Command: exec.CommandContext}
}

// Configured reports whether a share is set.
func (s *Samba) Configured() bool { return s.settings().SambaShare != "" }

// Upload copies the file at path to the root of the share, keeping its base
// name.
func (s *Samba) Upload(ctx context.Context, path string) (err error) {
	defer func() { metrics.IncUpload(err == nil) }()

	_, err = os.Stat(path)
	if err != nil {
		return fmt.Errorf("local file: %w", err)
	}
	cfg := s.settings()
	if cfg.SambaShare == "" {
		return ErrNotConfigured
	}
	sh, err := ParseShare(cfg.SambaShare)
	if err != nil {
		return err
	}

	user := cfg.SambaUsername
	if user == "" {
		user = DefaultUser
	}
	name := filepath.Base(path)
	args := []string{
		sh.Service(),
		"-p", strconv.Itoa(sh.Port),
		"-U", user,
		"-c", fmt.Sprintf("put %q %q", path, name),
	}
	if cfg.SambaPassword == "" {
		args = append(args, "-N")
	}

	cmd := s.Command(ctx, "smbclient", args...)
	// smbclient reads the password from PASSWD, keeping it out of the
	// process arguments.
	cmd.Env = append(os.Environ(), "PASSWD="+cfg.SambaPassword)

	s.log.Debug(pkg+"uploading", "file", name, "share", sh.Service())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("smbclient %s: %w: %s", sh.Service(), err, video.Tail(out, outputTail))
	}
	s.log.Info(pkg+"uploaded", "file", name, "share", sh.Service())
	return nil
}
