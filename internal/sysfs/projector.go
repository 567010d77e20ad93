// Package sysfs materializes and tears down the synthetic sysfs subtree
// that lets a consumer library discover a virtual device's identity and
// capabilities the same way it would walk a real kernel-provided one.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/smazurov/vimputti/internal/codec"
	"github.com/smazurov/vimputti/internal/corerr"
	"github.com/smazurov/vimputti/internal/model"
)

// dirPerm/filePerm match the permissive mode the rest of the filesystem
// surface uses so cross-user consumers in a container can read the tree.
const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Projector materializes the sysfs/udev_data subtree for devices under one
// base directory.
type Projector struct {
	baseDir string
}

// New creates a Projector rooted at baseDir (the manager's configured
// base path, e.g. "/tmp/vimputti").
func New(baseDir string) *Projector {
	return &Projector{baseDir: baseDir}
}

// devMinor computes the evdev character-device minor number for a device
// id, matching the kernel's input subsystem ("13:{64+id}").
func devMinor(id model.DeviceID) int { return 64 + int(id) }

// Create materializes the full subtree for one device. It is idempotent:
// a prior leaked subtree at the same id is overwritten, not merged.
func (p *Projector) Create(id model.DeviceID, cfg model.DeviceConfig) error {
	if err := p.Remove(id); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: clear stale subtree", err)
	}

	inputDir := p.inputDir(id)
	eventDir := filepath.Join(inputDir, id.EventNode())
	capDir := filepath.Join(inputDir, "capabilities")

	for _, dir := range []string{inputDir, eventDir, capDir, filepath.Dir(p.classSymlink(id)), filepath.Dir(p.udevDataFile(id))} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: mkdir "+dir, err)
		}
	}

	minor := devMinor(id)

	files := map[string]string{
		filepath.Join(inputDir, "name"):  fmt.Sprintf("%s (%s)\n", cfg.Name, id.EventNode()),
		filepath.Join(inputDir, "phys"):  fmt.Sprintf("vimputti-%s\n", id.EventNode()),
		filepath.Join(inputDir, "uniq"):  fmt.Sprintf("%s\n", id.EventNode()),
		filepath.Join(inputDir, "id", "bustype"):  fmt.Sprintf("%04x\n", uint16(cfg.Bus)),
		filepath.Join(inputDir, "id", "vendor"):   fmt.Sprintf("%04x\n", cfg.VendorID),
		filepath.Join(inputDir, "id", "product"):  fmt.Sprintf("%04x\n", cfg.ProductID),
		filepath.Join(inputDir, "id", "version"):  fmt.Sprintf("%04x\n", cfg.Version),
		filepath.Join(inputDir, "modalias"): fmt.Sprintf(
			"input:b%04Xv%04Xp%04Xe%04X\n", uint16(cfg.Bus), cfg.VendorID, cfg.ProductID, cfg.Version,
		),
		filepath.Join(eventDir, "dev"): fmt.Sprintf("13:%d\n", minor),
	}

	for path, contents := range files {
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: mkdir "+filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(contents), filePerm); err != nil {
			return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: write "+path, err)
		}
	}

	if err := p.writeCapabilities(capDir, cfg); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(inputDir, "uevent"), []byte(uevent(id, cfg)), filePerm); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: write uevent", err)
	}
	if err := os.WriteFile(filepath.Join(eventDir, "uevent"), []byte(eventUevent(id)), filePerm); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: write event uevent", err)
	}

	if err := os.Symlink("../../../../class/input", filepath.Join(eventDir, "subsystem")); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: symlink subsystem", err)
	}
	if err := os.Symlink("..", filepath.Join(eventDir, "device")); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: symlink device", err)
	}

	classLink := p.classSymlink(id)
	target := filepath.Join("..", "..", "devices", "virtual", "input", id.InputNode(), id.EventNode())
	if err := os.Symlink(target, classLink); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: symlink class", err)
	}

	if err := os.WriteFile(p.udevDataFile(id), []byte(udevData(id, cfg)), filePerm); err != nil {
		return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: write udev_data", err)
	}

	return nil
}

// Remove tears down the subtree for a device. Every removal is
// best-effort: missing entries are tolerated, and the only error
// propagated is an unexpected filesystem failure other than not-exist.
func (p *Projector) Remove(id model.DeviceID) error {
	targets := []string{p.inputDir(id), p.classSymlink(id), p.udevDataFile(id)}
	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (p *Projector) inputDir(id model.DeviceID) string {
	return filepath.Join(p.baseDir, "sysfs", "devices", "virtual", "input", id.InputNode())
}

func (p *Projector) classSymlink(id model.DeviceID) string {
	return filepath.Join(p.baseDir, "sysfs", "class", "input", id.EventNode())
}

func (p *Projector) udevDataFile(id model.DeviceID) string {
	return filepath.Join(p.baseDir, "udev_data", fmt.Sprintf("c13:%d", devMinor(id)))
}

// writeCapabilities computes and writes the bit-per-code capability files
// under capDir. key uses 12 words (768 bits), the rest one word (64 bits),
// matching the original sysfs generator's array sizing.
func (p *Projector) writeCapabilities(capDir string, cfg model.DeviceConfig) error {
	ev := make([]uint64, 1)
	ev = codec.SetBit(ev, 0) // SYN always supported
	if len(cfg.Buttons) > 0 {
		ev = codec.SetBit(ev, 1) // EV_KEY
	}
	if len(cfg.Axes) > 0 {
		ev = codec.SetBit(ev, 3) // EV_ABS
	}

	key := make([]uint64, 12)
	for _, b := range cfg.Buttons {
		key = codec.SetBit(key, b.Code)
	}

	abs := make([]uint64, 1)
	for _, a := range cfg.Axes {
		abs = codec.SetBit(abs, a.Axis.Code)
	}

	files := map[string][]uint64{
		"ev":  ev,
		"key": key,
		"abs": abs,
		"rel": {0},
		"msc": {0},
		"led": {0},
		"snd": {0},
		"ff":  {0},
		"sw":  {0},
	}

	for name, words := range files {
		contents := codec.EncodeBitmask(words) + "\n"
		if err := os.WriteFile(filepath.Join(capDir, name), []byte(contents), filePerm); err != nil {
			return corerr.Wrap(corerr.KindResourceExhaustion, "sysfs: write capability "+name, err)
		}
	}
	return nil
}

func uevent(id model.DeviceID, cfg model.DeviceConfig) string {
	ev := make([]uint64, 1)
	ev = codec.SetBit(ev, 0)
	if len(cfg.Buttons) > 0 {
		ev = codec.SetBit(ev, 1)
	}
	if len(cfg.Axes) > 0 {
		ev = codec.SetBit(ev, 3)
	}

	key := make([]uint64, 12)
	for _, b := range cfg.Buttons {
		key = codec.SetBit(key, b.Code)
	}
	abs := make([]uint64, 1)
	for _, a := range cfg.Axes {
		abs = codec.SetBit(abs, a.Axis.Code)
	}

	return fmt.Sprintf(
		"PRODUCT=%x/%x/%x/%x\nNAME=\"%s\"\nPHYS=\"vimputti-%s\"\nUNIQ=\"%s\"\nEV=%s\nKEY=%s\nABS=%s\n",
		uint16(cfg.Bus), cfg.VendorID, cfg.ProductID, cfg.Version,
		cfg.Name, id.EventNode(), id.EventNode(),
		codec.EncodeBitmask(ev), codec.EncodeBitmask(key), codec.EncodeBitmask(abs),
	)
}

func eventUevent(id model.DeviceID) string {
	return fmt.Sprintf("MAJOR=13\nMINOR=%d\nDEVNAME=input/%s\n", devMinor(id), id.EventNode())
}

// udevData renders the c13:{minor} static metadata file the hotplug
// broadcaster's properties mirror, plus the uaccess tag.
func udevData(id model.DeviceID, cfg model.DeviceConfig) string {
	props := DeviceProperties(id, cfg)
	out := ""
	for _, p := range props {
		out += fmt.Sprintf("E:%s=%s\n", p.Key, p.Value)
	}
	out += "G:uaccess\n"
	return out
}

// DeviceProperties computes the udev property set shared by the sysfs
// udev_data file and the hotplug broadcaster's add/remove records, so the
// two stay in lockstep.
func DeviceProperties(id model.DeviceID, cfg model.DeviceConfig) []codec.UdevProperty {
	props := []codec.UdevProperty{
		{Key: "ID_INPUT", Value: "1"},
		{Key: "ID_INPUT_JOYSTICK", Value: "1"},
		{Key: "ID_VENDOR_ID", Value: fmt.Sprintf("%04x", cfg.VendorID)},
		{Key: "ID_MODEL_ID", Value: fmt.Sprintf("%04x", cfg.ProductID)},
		{Key: "ID_BUS", Value: cfg.Bus.String()},
		{Key: "ID_VENDOR_ENC", Value: encodedName(cfg.Name)},
		{Key: "ID_VENDOR_FROM_DATABASE", Value: cfg.Name},
		{Key: "ID_MODEL_ENC", Value: encodedName(cfg.Name)},
		{Key: "ID_MODEL_FROM_DATABASE", Value: cfg.Name},
		{Key: "ID_PATH", Value: fmt.Sprintf("platform-vimputti-%s", id.EventNode())},
		{Key: "ID_PATH_TAG", Value: fmt.Sprintf("platform-vimputti-%s", id.EventNode())},
		{Key: "ID_SERIAL", Value: fmt.Sprintf("vimputti_%04x_%04x_%s", cfg.VendorID, cfg.ProductID, id.EventNode())},
		{Key: "TAGS", Value: ":uaccess:"},
	}
	if cfg.Bus == model.BusUSB {
		props = append(props,
			codec.UdevProperty{Key: "BUSNUM", Value: "001"},
			codec.UdevProperty{Key: "DEVNUM", Value: fmt.Sprintf("%03d", int(id)+1)},
		)
	}
	return props
}

// encodedName renders name in udev's \xHH-escaped encoding for bytes
// outside printable ASCII; this emulation's names are always ASCII so the
// encoding is the identity transform, kept as a named step for clarity at
// the call sites that treat it as a distinct property from the raw name.
func encodedName(name string) string { return name }
