package devices

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// AccumulatedPrefix names the synthetic device that combines all inverters
const AccumulatedPrefix = "all"

const defaultUnitID = 1

var deviceNamespace = uuid.MustParse("6f1c8e2a-4b7d-5c3e-9a10-d3e5f7a9b1c2")

type Environment string

const (
	Production Environment = config.EnvironmentProduction
	Test       Environment = config.EnvironmentTest
)

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(s)) {
	case Production, "":
		return Production, nil
	case Test:
		return Test, nil
	}
	return Production, fmt.Errorf("unknown environment: %s", s)
}

type SystemType int

const (
	SingleInverter SystemType = iota
	MultiInverter
)

func (s SystemType) String() string {
	if s == MultiInverter {
		return "multi_inverter"
	}
	return "single_inverter"
}

// Registry is the fixed set of inverters the process talks to
type Registry struct {
	env     Environment
	devices []types.DeviceDescriptor
	byName  map[string]int
	master  int
}

// NewRegistry normalizes names to lower case and assigns stable ids.
// A lone inverter without an explicit master flag becomes the master.
func NewRegistry(env Environment, devices []types.DeviceDescriptor) (*Registry, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured for environment %s", env)
	}

	r := &Registry{
		env:    env,
		byName: make(map[string]int, len(devices)),
		master: -1,
	}

	for _, d := range devices {
		d.Name = strings.ToLower(strings.TrimSpace(d.Name))
		if d.Name == "" || d.Name == AccumulatedPrefix {
			return nil, fmt.Errorf("invalid device name %q", d.Name)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate device name %q", d.Name)
		}

		if d.Port == 0 {
			d.Port = types.DefaultLoggerPort
		}
		if d.UnitID == 0 {
			d.UnitID = defaultUnitID
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.NewSHA1(deviceNamespace, []byte(fmt.Sprintf("%s/%d", d.Name, d.Serial)))
		}

		if d.Master {
			if r.master >= 0 {
				return nil, fmt.Errorf("both %s and %s are marked as master", r.devices[r.master].Name, d.Name)
			}
			r.master = len(r.devices)
		}

		r.byName[d.Name] = len(r.devices)
		r.devices = append(r.devices, d)
	}

	if r.master < 0 && len(r.devices) == 1 {
		r.master = 0
		r.devices[0].Master = true
	}

	return r, nil
}

// FromConfig builds the registry of the configured environment
func FromConfig(cfg *config.Config) (*Registry, error) {
	env, err := ParseEnvironment(cfg.Environment)
	if err != nil {
		return nil, err
	}

	configured := cfg.ActiveDevices()
	devices := make([]types.DeviceDescriptor, 0, len(configured))
	for _, d := range configured {
		devices = append(devices, types.DeviceDescriptor{
			Name:    d.Name,
			Address: d.Address,
			Serial:  d.Serial,
			Port:    d.Port,
			UnitID:  d.UnitID,
			Master:  d.Master,
		})
	}

	return NewRegistry(env, devices)
}

func (r *Registry) Environment() Environment {
	return r.env
}

func (r *Registry) All() []types.DeviceDescriptor {
	return append([]types.DeviceDescriptor(nil), r.devices...)
}

func (r *Registry) Len() int {
	return len(r.devices)
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.devices))
	for i, d := range r.devices {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Get(name string) (types.DeviceDescriptor, bool) {
	i, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return types.DeviceDescriptor{}, false
	}
	return r.devices[i], true
}

func (r *Registry) Master() (types.DeviceDescriptor, bool) {
	if r.master < 0 {
		return types.DeviceDescriptor{}, false
	}
	return r.devices[r.master], true
}

func (r *Registry) SystemType() SystemType {
	if len(r.devices) > 1 {
		return MultiInverter
	}
	return SingleInverter
}
