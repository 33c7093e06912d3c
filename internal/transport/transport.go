// Package transport wraps gitlab.com/gomidi/midi/v2's driver/port
// model behind the small interface spec §1 treats as an external
// collaborator: port enumeration, virtual port creation, and raw byte
// read/write. Everything else in xtalk talks to In/Out, never to
// gomidi directly.
package transport

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/gomidi/midi/v2/drivers"
)

// In is a MIDI input port. It is satisfied by drivers.In.
type In interface {
	String() string
	Open() error
	Close() error
	// Listen registers cb to be invoked from the driver's own thread
	// for every incoming raw message. The returned func stops
	// listening.
	Listen(cb func(msg []byte, deltaMS int32), cfg drivers.ListenConfig) (func(), error)
}

// Out is a MIDI output port. It is satisfied by drivers.Out.
type Out interface {
	String() string
	Open() error
	Close() error
	Send(msg []byte) error
}

// API selects the backend driver per spec §6's -a/--api flag.
type API int

const (
	APIDefault API = iota
	APIJack
	APIALSA
)

// ParseAPI maps the --api flag value to an API constant. An unknown
// value resolves to APIDefault, matching the original's find_api
// behaviour of falling through to 0 for "default".
func ParseAPI(s string) API {
	switch strings.ToLower(s) {
	case "jack":
		return APIJack
	case "alsa":
		return APIALSA
	default:
		return APIDefault
	}
}

// virtualOpener is implemented by gomidi drivers that support creating
// virtual ports (rtmididrv.Driver does).
type virtualOpener interface {
	OpenVirtualIn(name string) (drivers.In, error)
	OpenVirtualOut(name string) (drivers.Out, error)
}

// Registry resolves port names/numbers to concrete In/Out instances
// and can mint virtual ports on the driver it was built with.
type Registry struct {
	clientName string
	driver     virtualOpener // nil if the active driver cannot create virtual ports
}

// NewRegistry returns a Registry that mints ports under clientName
// using driver for virtual port creation. driver is typically a
// *rtmididrv.Driver constructed once in cmd/xtalk; pass nil if the
// selected backend has no virtual port support (-I/-O must then be
// explicit).
func NewRegistry(clientName string, driver virtualOpener) *Registry {
	return &Registry{clientName: clientName, driver: driver}
}

// Ins lists the available input ports.
func (r *Registry) Ins() ([]drivers.In, error) {
	return drivers.Ins()
}

// Outs lists the available output ports.
func (r *Registry) Outs() ([]drivers.Out, error) {
	return drivers.Outs()
}

// OpenIn resolves spec, a port number or a substring of a port name,
// to a drivers.In. An empty spec opens a virtual port named
// "<client>:input" instead (spec §6: "-I, --input: default virtual").
func (r *Registry) OpenIn(spec string) (In, error) {
	if spec == "" {
		return r.openVirtualIn(r.clientName + ":input")
	}
	ins, err := drivers.Ins()
	if err != nil {
		return nil, fmt.Errorf("transport: list inputs: %w", err)
	}
	port, err := findPort(spec, ins)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// OpenOut resolves spec the same way OpenIn does, for outputs.
func (r *Registry) OpenOut(spec string) (Out, error) {
	if spec == "" {
		return r.openVirtualOut(r.clientName + ":output")
	}
	outs, err := drivers.Outs()
	if err != nil {
		return nil, fmt.Errorf("transport: list outputs: %w", err)
	}
	port, err := findPort(spec, outs)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func (r *Registry) openVirtualIn(name string) (In, error) {
	if r.driver == nil {
		return nil, fmt.Errorf("transport: active driver does not support virtual ports")
	}
	return r.driver.OpenVirtualIn(name)
}

func (r *Registry) openVirtualOut(name string) (Out, error) {
	if r.driver == nil {
		return nil, fmt.Errorf("transport: active driver does not support virtual ports")
	}
	return r.driver.OpenVirtualOut(name)
}

type named interface{ String() string }

func findPort[T named](spec string, ports []T) (T, error) {
	var zero T
	if n, err := strconv.Atoi(spec); err == nil {
		if n < 0 || n >= len(ports) {
			return zero, fmt.Errorf("transport: port index %d out of range (have %d ports)", n, len(ports))
		}
		return ports[n], nil
	}
	lower := strings.ToLower(spec)
	for _, p := range ports {
		if strings.Contains(strings.ToLower(p.String()), lower) {
			return p, nil
		}
	}
	return zero, fmt.Errorf("transport: no port matching %q", spec)
}

// ListInfo is one line of --list output: an API name and the ports
// available on it.
type ListInfo struct {
	API     string
	Inputs  []string
	Outputs []string
}

// List enumerates the currently registered driver's ports for --list.
// apiName is whatever label the caller used to select the driver
// (e.g. "jack", "alsa", "default"), purely for display.
func List(apiName string) (ListInfo, error) {
	ins, err := drivers.Ins()
	if err != nil {
		return ListInfo{}, fmt.Errorf("transport: list inputs: %w", err)
	}
	outs, err := drivers.Outs()
	if err != nil {
		return ListInfo{}, fmt.Errorf("transport: list outputs: %w", err)
	}

	info := ListInfo{API: apiName}
	for _, in := range ins {
		info.Inputs = append(info.Inputs, in.String())
	}
	for _, out := range outs {
		info.Outputs = append(info.Outputs, out.String())
	}
	return info, nil
}
