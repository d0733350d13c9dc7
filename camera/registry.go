package camera

import (
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/edaniels/golog"

	"github.com/demtools/stereodem/errtag"
)

// Known sensor model name sentinels. A model state file starts with one of
// these tokens; anything else is treated as an ISD.
const (
	FrameSensorModelName     = "USGS_ASTRO_FRAME_SENSOR_MODEL"
	LinescanSensorModelName  = "USGS_ASTRO_LINE_SCANNER_SENSOR_MODEL"
	PushFrameSensorModelName = "USGS_ASTRO_PUSH_FRAME_SENSOR_MODEL"
	SARSensorModelName       = "USGS_ASTRO_SAR_SENSOR_MODEL"

	// LinescanSensorModelAlias is the short linescan sentinel some state
	// files carry; it resolves to the same model as the long name.
	LinescanSensorModelAlias = "USGS_ASTRO_LS_SENSOR_MODEL"
)

// canonicalSensorModelName folds aliases onto the registered name.
func canonicalSensorModelName(name string) string {
	if name == LinescanSensorModelAlias {
		return LinescanSensorModelName
	}
	return name
}

// Environment variables controlling plugin discovery.
const (
	PluginPathEnv = "CSM_PLUGIN_PATH"
	isisRootEnv   = "ISISROOT"
	pluginLibName = "libusgscsm_plugin.so"
)

// StateFactory builds a sensor model from a serialized model state (the
// JSON that follows the sentinel token).
type StateFactory func(state []byte) (Model, error)

// ISDFactory builds a sensor model from image support data, or reports
// that it cannot handle it with a nil model.
type ISDFactory func(isd []byte) (Model, error)

// Plugin registration is process-wide: models register once and are never
// unloaded. All access is serialized by one mutex.
var sensorRegistry = struct {
	mu          sync.Mutex
	initialized bool
	states      map[string]StateFactory
	isds        map[string]ISDFactory
}{
	states: map[string]StateFactory{},
	isds:   map[string]ISDFactory{},
}

// RegisterSensorModel adds a state factory for a sensor model name. The
// first registration for a name wins; repeats are ignored so plugin
// loading stays idempotent.
func RegisterSensorModel(name string, state StateFactory, isd ISDFactory) {
	sensorRegistry.mu.Lock()
	defer sensorRegistry.mu.Unlock()
	registerLocked(name, state, isd)
}

func registerLocked(name string, state StateFactory, isd ISDFactory) {
	if _, ok := sensorRegistry.states[name]; !ok && state != nil {
		sensorRegistry.states[name] = state
	}
	if _, ok := sensorRegistry.isds[name]; !ok && isd != nil {
		sensorRegistry.isds[name] = isd
	}
}

// IsSensorModelName reports whether token is one of the known sentinels.
func IsSensorModelName(token string) bool {
	switch token {
	case FrameSensorModelName, LinescanSensorModelName, LinescanSensorModelAlias,
		PushFrameSensorModelName, SARSensorModelName:
		return true
	}
	return false
}

// pluginDir resolves the plugin search directory from the environment.
func pluginDir() (string, error) {
	if dir := os.Getenv(PluginPathEnv); dir != "" {
		return dir, nil
	}
	if root := os.Getenv(isisRootEnv); root != "" {
		return filepath.Join(root, "lib"), nil
	}
	return "", errtag.Input("neither %s nor %s is set; cannot locate the sensor plugin", PluginPathEnv, isisRootEnv)
}

// InitPlugins loads the sensor plugin library once. The built-in frame
// model is always available; the plugin adds the open-ended sensor
// catalogue. Calling it again is a no-op.
func InitPlugins(logger golog.Logger) error {
	sensorRegistry.mu.Lock()
	defer sensorRegistry.mu.Unlock()
	if sensorRegistry.initialized {
		return nil
	}

	dir, err := pluginDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, pluginLibName)
	if _, serr := os.Stat(path); serr != nil {
		return errtag.Resource("sensor plugin %s not found: %v (set %s)", path, serr, PluginPathEnv)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return errtag.Resource("cannot load sensor plugin %s: %v", path, err)
	}
	sym, err := p.Lookup("SensorModels")
	if err != nil {
		return errtag.Format("sensor plugin %s exports no SensorModels symbol: %v", path, err)
	}
	models, ok := sym.(func() map[string]func(state []byte) (interface{}, error))
	if !ok {
		return errtag.Format("sensor plugin %s has an incompatible SensorModels signature", path)
	}

	for name, factory := range models() {
		factory := factory
		registerLocked(name, func(state []byte) (Model, error) {
			v, err := factory(state)
			if err != nil {
				return nil, err
			}
			m, ok := v.(Model)
			if !ok {
				return nil, errtag.Format("plugin model %T does not implement the camera interface", v)
			}
			return m, nil
		}, nil)
		logger.Debugf("registered plugin sensor model %q", name)
	}
	sensorRegistry.initialized = true
	logger.Infof("sensor plugin loaded from %s", path)
	return nil
}

func lookupStateFactory(name string) (StateFactory, bool) {
	sensorRegistry.mu.Lock()
	defer sensorRegistry.mu.Unlock()
	f, ok := sensorRegistry.states[canonicalSensorModelName(name)]
	return f, ok
}

func lookupISDFactory(name string) (ISDFactory, bool) {
	sensorRegistry.mu.Lock()
	defer sensorRegistry.mu.Unlock()
	f, ok := sensorRegistry.isds[canonicalSensorModelName(name)]
	return f, ok
}
