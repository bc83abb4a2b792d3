/*
Copyright 2023 The Streamproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	defaultResyncPeriod   = 30 * time.Second
	defaultStateCacheSize = 10000
)

// GlobalConfig is the configuration for the controllers, it is
// supposed to be populated from the configmap attached to the
// controller manager.
type GlobalConfig struct {
	conf *config
	lock *sync.RWMutex
}

type config struct {
	Instance string         `json:"instance"`
	Defaults *DefaultConfig `json:"defaults"`
}

type DefaultConfig struct {
	// ResyncPeriod is how often a StreamingJob is re-reconciled when no
	// watched object changed, which is the observation cadence of the
	// autoscaler.
	ResyncPeriod string `json:"resyncPeriod"`
	// StateCacheSize caps the number of per-resource autoscaler states
	// kept in memory.
	StateCacheSize int `json:"stateCacheSize"`
}

func (g *GlobalConfig) GetInstance() string {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.conf.Instance
}

// Get controller scope default config
func (g *GlobalConfig) GetDefaults() DefaultConfig {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if g.conf.Defaults != nil {
		return *g.conf.Defaults
	}
	return DefaultConfig{}
}

func (dc DefaultConfig) GetResyncPeriod() time.Duration {
	if dc.ResyncPeriod == "" {
		return defaultResyncPeriod
	}
	d, err := time.ParseDuration(dc.ResyncPeriod)
	if err != nil || d <= 0 {
		return defaultResyncPeriod
	}
	return d
}

func (dc DefaultConfig) GetStateCacheSize() int {
	if dc.StateCacheSize <= 0 {
		return defaultStateCacheSize
	}
	return dc.StateCacheSize
}

func LoadConfig(onErrorReloading func(error)) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigName("controller-config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/streamjob")
	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file. %w", err)
	}
	r := &GlobalConfig{
		lock: new(sync.RWMutex),
	}
	conf := &config{}
	err = v.Unmarshal(conf)
	if err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration file. %w", err)
	}
	r.conf = conf
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		cf := &config{}
		err = v.Unmarshal(cf)
		if err != nil {
			onErrorReloading(err)
			return
		}
		r.lock.Lock()
		defer r.lock.Unlock()
		r.conf = cf
	})
	return r, nil
}
