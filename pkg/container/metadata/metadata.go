package metadata

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/registry"
	"github.com/outofforest/logger"
)

var envNameRegExp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Command selects the config key used to build the runscript.
type Command int

// Commands.
const (
	Entrypoint Command = iota
	Cmd
)

func (c Command) String() string {
	if c == Cmd {
		return "Cmd"
	}
	return "Entrypoint"
}

func (c Command) other() Command {
	if c == Cmd {
		return Entrypoint
	}
	return Cmd
}

// Options configure extraction.
type Options struct {
	// Prefer is the key checked first, the other one is used if no history entry sets it.
	Prefer Command

	// Literal disables wrapping the command with exec ... "$@".
	Literal bool
}

// EnvVar is the environment variable defined by the image.
type EnvVar struct {
	Name  string
	Value string
}

// Runtime is the metadata needed to run the container.
type Runtime struct {
	// Runscript is nil if image defines neither entrypoint nor cmd.
	Runscript   *string
	Environment []EnvVar
	Labels      map[string]any
}

// Extract derives runtime metadata from the manifest. Values defined by more recent history entries win.
// Variables with names unusable in shell are skipped.
func Extract(ctx context.Context, m *registry.Manifest, opts Options) (Runtime, error) {
	entries, err := history(m)
	if err != nil {
		return Runtime{}, err
	}

	rt := Runtime{
		Labels: map[string]any{},
	}

	for _, key := range []Command{opts.Prefer, opts.Prefer.other()} {
		if c, found := lo.Find(entries, func(e config) bool {
			return e.command(key).set()
		}); found {
			rt.Runscript = lo.ToPtr(runscript(c.command(key), opts.Literal))
			break
		}
	}

	if e, found := lo.Find(entries, func(e config) bool {
		return e.Env != nil
	}); found {
		rt.Environment = lo.FilterMap(e.Env, func(kv string, _ int) (EnvVar, bool) {
			name, value, _ := strings.Cut(kv, "=")
			if !validEnvName(name) {
				logger.Get(ctx).Warn("Skipping environment variable with invalid name", zap.String("name", name))
				return EnvVar{}, false
			}
			return EnvVar{Name: name, Value: value}, true
		})
	}

	if e, found := lo.Find(entries, func(e config) bool {
		return e.Labels != nil
	}); found {
		rt.Labels = e.Labels
	}

	return rt, nil
}

// config is the image config at some point of the image history.
type config struct {
	Entrypoint command        `json:"Entrypoint"`
	Cmd        command        `json:"Cmd"`
	Env        []string       `json:"Env"`
	Labels     map[string]any `json:"Labels"`
}

func (c config) command(key Command) command {
	if key == Cmd {
		return c.Cmd
	}
	return c.Entrypoint
}

// command is stored either as an array of arguments or as a shell string.
type command struct {
	Args  []string
	Shell string
}

func (c *command) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.WithStack(err)
	}
	switch v := v.(type) {
	case nil:
		*c = command{}
	case string:
		*c = command{Shell: v}
	case []any:
		args := make([]string, 0, len(v))
		for _, a := range v {
			s, ok := a.(string)
			if !ok {
				return errors.Errorf("command argument %v is not a string", a)
			}
			args = append(args, s)
		}
		*c = command{Args: args}
	default:
		return errors.Errorf("unsupported command %s", data)
	}
	return nil
}

// set reports if command is non-null. Empty array is treated as absent.
func (c command) set() bool {
	return c.Shell != "" || len(c.Args) > 0
}

// history returns image configs ordered from the most recent one.
func history(m *registry.Manifest) ([]config, error) {
	switch {
	case m.V1 != nil:
		entries := make([]config, 0, len(m.V1.History))
		for i, h := range m.V1.History {
			var v1 struct {
				Config *config `json:"config"`
			}
			if err := json.Unmarshal([]byte(h.V1Compatibility), &v1); err != nil {
				return nil, errors.Wrapf(registry.ErrMalformedManifest, "decoding history entry %d: %s", i, err)
			}
			if v1.Config != nil {
				entries = append(entries, *v1.Config)
			}
		}
		return entries, nil
	case m.Config != nil:
		c := m.Config.Config
		entry := config{
			Entrypoint: command{Args: c.Entrypoint},
			Cmd:        command{Args: c.Cmd},
			Env:        c.Env,
		}
		if c.Labels != nil {
			entry.Labels = lo.MapValues(c.Labels, func(v, _ string) any {
				return v
			})
		}
		return []config{entry}, nil
	default:
		return nil, nil
	}
}

func runscript(c command, literal bool) string {
	cmd := c.Shell
	if cmd == "" {
		cmd = strings.Join(lo.Map(c.Args, func(arg string, _ int) string {
			return quote(arg)
		}), " ")
	}

	if literal {
		return "#!/bin/sh\n\n" + cmd + "\n"
	}
	return "#!/bin/sh\n\nexec " + cmd + ` "$@"` + "\n"
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}

func validEnvName(name string) bool {
	return envNameRegExp.MatchString(name)
}
