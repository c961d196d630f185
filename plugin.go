package fins

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Plugin allows extending master behavior (logging, metrics, tracing, etc.).
// Inspired by gorm's plugin model.
type Plugin interface {
	// Name must return a unique plugin name.
	Name() string
	// Initialize is called once when the plugin is registered via Use.
	Initialize(*Master) error
}

// ConnectionPlugin is notified after Connect and Disconnect complete.
// Hook errors are logged and otherwise ignored.
type ConnectionPlugin interface {
	Plugin
	OnConnected(*Master) error
	OnDisconnected(m *Master, err error) error
}

// pluginManager wraps plugin registration to keep the Master struct focused.
// A nil value marks a name reserved by a registration still initializing.
type pluginManager struct {
	plugins *xsync.MapOf[string, Plugin]
}

func newPluginManager() pluginManager {
	return pluginManager{plugins: xsync.NewMapOf[string, Plugin]()}
}

func (pm *pluginManager) use(m *Master, plugins ...Plugin) error {
	for _, p := range plugins {
		if p == nil {
			return fmt.Errorf("plugin is nil")
		}
		name := p.Name()
		if name == "" {
			return fmt.Errorf("plugin name cannot be empty")
		}

		// Reserve the name to avoid duplicate registration races.
		if _, loaded := pm.plugins.LoadOrStore(name, nil); loaded {
			return fmt.Errorf("plugin %s already registered", name)
		}

		if err := p.Initialize(m); err != nil {
			pm.plugins.Delete(name)
			return fmt.Errorf("initialize plugin %s: %w", name, err)
		}
		pm.plugins.Store(name, p)
	}

	return nil
}

func (pm *pluginManager) each(fn func(ConnectionPlugin) error, onErr func(name string, err error)) {
	pm.plugins.Range(func(name string, p Plugin) bool {
		if cp, ok := p.(ConnectionPlugin); ok {
			if err := fn(cp); err != nil {
				onErr(name, err)
			}
		}
		return true
	})
}

func (pm *pluginManager) connected(m *Master) {
	pm.each(func(p ConnectionPlugin) error {
		return p.OnConnected(m)
	}, m.pluginFailed)
}

func (pm *pluginManager) disconnected(m *Master, err error) {
	pm.each(func(p ConnectionPlugin) error {
		return p.OnDisconnected(m, err)
	}, m.pluginFailed)
}
