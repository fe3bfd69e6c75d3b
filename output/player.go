package output

import (
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxlogger"
)

// Player pipes the stream into the standard input of a spawned media player
// process.
type Player struct {
	log    ctxlogger.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	noKill bool
}

// SpawnPlayer starts the player with the given argument string. An argument
// of "-" is the conventional stdin placeholder most players accept.
func SpawnPlayer(log ctxlogger.Logger, path, args string, quiet, noKill bool) (*Player, error) {
	cmd := exec.Command(path, strings.Fields(args)...)
	if !quiet {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("%w", err)
	}

	log.Printf("opening player: %s %s", path, args)
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("failed to open player: %w", err)
	}

	return &Player{
		log:    log,
		cmd:    cmd,
		stdin:  stdin,
		noKill: noKill,
	}, nil
}

func (p *Player) Write(data []byte) error {
	if _, err := p.stdin.Write(data); err != nil {
		// a closed pipe means the user closed the player
		return xerrors.Errorf("player pipe: %w", err)
	}
	return nil
}

func (p *Player) Close() error {
	err := p.stdin.Close()
	if !p.noKill {
		if kerr := p.cmd.Process.Kill(); kerr != nil {
			p.log.Errorf("failed to kill player: %v", kerr)
		}
	}
	go func() {
		_ = p.cmd.Wait() // reap
	}()
	return err
}

func (p *Player) Name() string {
	return "player"
}

// Passthrough hands the playlist URL to the player directly instead of
// piping bytes, replacing a "-" placeholder in the argument string when
// present. It blocks until the player exits.
func Passthrough(log ctxlogger.Logger, path, args string, quiet bool, url string) error {
	fields := strings.Fields(args)
	replaced := false
	for i, a := range fields {
		if a == "-" {
			fields[i] = url
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, url)
	}

	cmd := exec.Command(path, fields...)
	if !quiet {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	log.Printf("passing playlist URL through to player")
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("failed to run player: %w", err)
	}
	return nil
}
