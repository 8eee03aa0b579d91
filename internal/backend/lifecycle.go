package backend

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrShutdown is returned by Init once the process has torn backends down.
var ErrShutdown = errors.New("backend: process already shut down")

// Process-wide decoder state. Each backend's Init runs at most once per
// process no matter how many models are loaded and freed, and Shutdown
// tears every initialised backend down at most once.
var (
	lifecycleMu  sync.Mutex
	initialised  = map[string]*initState{}
	order        []string
	shutdownOnce sync.Once
	isShutdown   bool
)

type initState struct {
	once    sync.Once
	err     error
	backend Backend
}

// Init runs b.Init the first time a backend with b's name is seen and
// returns the cached result on every later call.
func Init(b Backend) error {
	lifecycleMu.Lock()
	if isShutdown {
		lifecycleMu.Unlock()
		return ErrShutdown
	}
	st, ok := initialised[b.Name()]
	if !ok {
		st = &initState{backend: b}
		initialised[b.Name()] = st
		order = append(order, b.Name())
	}
	lifecycleMu.Unlock()

	st.once.Do(func() {
		if err := b.Init(); err != nil {
			st.err = fmt.Errorf("backend: init %s: %w", b.Name(), err)
			return
		}
		log.Printf("backend: %s initialised", b.Name())
	})
	return st.err
}

// Initialised reports whether the named backend completed Init.
func Initialised(name string) bool {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()
	st, ok := initialised[name]
	return ok && st.err == nil && !isShutdown
}

// Shutdown frees the native state of every initialised backend, in reverse
// order of initialisation. Only the first call has any effect; it should
// be made once at process exit after all models are closed.
func Shutdown() {
	shutdownOnce.Do(func() {
		lifecycleMu.Lock()
		isShutdown = true
		names := append([]string(nil), order...)
		states := make([]*initState, 0, len(names))
		for _, name := range names {
			states = append(states, initialised[name])
		}
		lifecycleMu.Unlock()

		for i := len(states) - 1; i >= 0; i-- {
			st := states[i]
			if st.err != nil {
				continue
			}
			st.backend.Shutdown()
			log.Printf("backend: %s shut down", st.backend.Name())
		}
	})
}
