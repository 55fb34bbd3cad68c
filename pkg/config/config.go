// Package config reads the viewer settings from a dotenv file and the
// command line. Flags override the file.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"usbview/pkg/device/hotplug"
	"usbview/pkg/pipeline"
)

const DefaultEnvFile = ".env"

const (
	SourceHotplug = "hotplug"
	SourceVirtual = "virtual"

	PresentNone     = "none"
	PresentFbdev    = "fbdev"
	PresentInch35   = "inch35"
	PresentSnapshot = "snapshot"
	PresentRemote   = "remote"

	ConsoleStdout = "stdout"

	EffectNone  = "none"
	EffectBlock = "block"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Mode     pipeline.Mode
	Source   string
	DevDir   string
	Match    string
	Image    string
	Present  string
	Fbdev    string
	Screen   string
	Light    uint8
	Effect   string
	Snapshot string
	Remote   string
	// Console is ConsoleStdout or the name of a serial port carrying both
	// the status lines and the key presses.
	Console  string
	SelfTest bool
	Pause    time.Duration
	Progress bool
	Debug    bool
}

func Default() *Config {
	return &Config{
		Mode:     pipeline.ModePNG,
		Source:   SourceHotplug,
		DevDir:   hotplug.DefaultDir,
		Present:  PresentNone,
		Fbdev:    "/dev/fb0",
		Screen:   "ttyACM0",
		Light:    100,
		Effect:   EffectNone,
		Snapshot: "frame.png",
		Remote:   "127.0.0.1:9123",
		Console:  ConsoleStdout,
		Pause:    time.Second,
	}
}

// Load starts from the defaults, applies the USBVIEW_* keys of envFile when
// it exists and then the flags in args.
func Load(fs afero.Fs, envFile string, args []string) (*Config, error) {
	c := Default()

	env, err := readEnv(fs, envFile)
	if err != nil {
		return nil, err
	}
	if err := c.apply(env); err != nil {
		return nil, err
	}

	mode := c.Mode.String()
	light := uint(c.Light)

	set := flag.NewFlagSet("usbview", flag.ContinueOnError)
	set.StringVar(&mode, "mode", mode, "png decodes /TEST.PNG, raw copies /TEST.RGB")
	set.StringVar(&c.Source, "source", c.Source, "usb source: hotplug or virtual")
	set.StringVar(&c.DevDir, "dev-dir", c.DevDir, "directory watched for usb disks")
	set.StringVar(&c.Match, "match", c.Match, "only accept usb disks whose name contains this")
	set.StringVar(&c.Image, "image", c.Image, "disk image behind the virtual usb device")
	set.StringVar(&c.Present, "present", c.Present, "host display: none, fbdev, inch35, snapshot or remote")
	set.StringVar(&c.Fbdev, "fbdev", c.Fbdev, "framebuffer device")
	set.StringVar(&c.Screen, "screen", c.Screen, "serial name of the 3.5 inch screen")
	set.UintVar(&light, "light", light, "screen backlight")
	set.StringVar(&c.Effect, "effect", c.Effect, "3.5 inch screen transition: none or block")
	set.StringVar(&c.Snapshot, "snapshot", c.Snapshot, "snapshot file")
	set.StringVar(&c.Remote, "remote", c.Remote, "remote screen addr")
	set.StringVar(&c.Console, "console", c.Console, "stdout or a serial port name")
	set.BoolVar(&c.SelfTest, "self-test", c.SelfTest, "show the color pattern first")
	set.DurationVar(&c.Pause, "self-test-pause", c.Pause, "how long each self test color stays")
	set.BoolVar(&c.Progress, "progress", c.Progress, "show file read progress")
	set.BoolVar(&c.Debug, "debug", c.Debug, "set debug")

	if err := set.Parse(args); err != nil {
		return nil, err
	}

	if c.Mode, err = pipeline.ParseMode(mode); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	if light > 255 {
		return nil, errors.Wrapf(ErrInvalid, "light %d", light)
	}
	c.Light = uint8(light)

	return c, c.validate()
}

func readEnv(fs afero.Fs, name string) (map[string]string, error) {
	if name == "" {
		return nil, nil
	}

	f, err := fs.Open(name)
	if err != nil {
		if exists, _ := afero.Exists(fs, name); !exists {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open %s", name)
	}
	defer f.Close()

	env, err := godotenv.Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	return env, nil
}

func (c *Config) apply(env map[string]string) error {
	var err error

	str := func(key string, dst *string) {
		if v, ok := env[key]; ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := env[key]; ok && err == nil {
			*dst, err = strconv.ParseBool(v)
			err = errors.Wrapf(err, "%s", key)
		}
	}

	if v, ok := env["USBVIEW_MODE"]; ok {
		if c.Mode, err = pipeline.ParseMode(v); err != nil {
			return errors.Wrap(ErrInvalid, err.Error())
		}
	}
	str("USBVIEW_SOURCE", &c.Source)
	str("USBVIEW_DEVDIR", &c.DevDir)
	str("USBVIEW_MATCH", &c.Match)
	str("USBVIEW_IMAGE", &c.Image)
	str("USBVIEW_PRESENT", &c.Present)
	str("USBVIEW_FBDEV", &c.Fbdev)
	str("USBVIEW_SCREEN", &c.Screen)
	str("USBVIEW_EFFECT", &c.Effect)
	str("USBVIEW_SNAPSHOT", &c.Snapshot)
	str("USBVIEW_REMOTE", &c.Remote)
	str("USBVIEW_CONSOLE", &c.Console)
	boolean("USBVIEW_SELFTEST", &c.SelfTest)
	boolean("USBVIEW_PROGRESS", &c.Progress)
	boolean("USBVIEW_DEBUG", &c.Debug)
	if err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}

	if v, ok := env["USBVIEW_LIGHT"]; ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "USBVIEW_LIGHT: %v", err)
		}
		c.Light = uint8(n)
	}
	if v, ok := env["USBVIEW_SELFTEST_PAUSE"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "USBVIEW_SELFTEST_PAUSE: %v", err)
		}
		c.Pause = d
	}
	return nil
}

func (c *Config) validate() error {
	c.Source = strings.ToLower(c.Source)
	c.Present = strings.ToLower(c.Present)

	if !lo.Contains([]string{SourceHotplug, SourceVirtual}, c.Source) {
		return errors.Wrapf(ErrInvalid, "source %q", c.Source)
	}
	if c.Source == SourceVirtual && c.Image == "" {
		return errors.Wrap(ErrInvalid, "virtual source needs a disk image")
	}
	presenters := []string{PresentNone, PresentFbdev, PresentInch35, PresentSnapshot, PresentRemote}
	if !lo.Contains(presenters, c.Present) {
		return errors.Wrapf(ErrInvalid, "present %q", c.Present)
	}
	if !lo.Contains([]string{EffectNone, EffectBlock}, c.Effect) {
		return errors.Wrapf(ErrInvalid, "effect %q", c.Effect)
	}
	if c.Pause < 0 {
		return errors.Wrapf(ErrInvalid, "self test pause %s", c.Pause)
	}
	return nil
}
