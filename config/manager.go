package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// задержка перед перечитыванием файла после серии событий
const debounceDelay = 100 * time.Millisecond

// ConfigManager управляет конфигурацией и поддерживает горячую перезагрузку
type ConfigManager struct {
	mu          sync.RWMutex
	config      *Config
	configPath  string
	subscribers []chan *Config
	lastError   error
	watcher     *fsnotify.Watcher
	closed      bool
}

// NewConfigManager создает новый менеджер конфигурации
func NewConfigManager(configPath string) (*ConfigManager, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	manager := &ConfigManager{
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
	}

	// Загружаем начальную конфигурацию
	if err := manager.loadConfig(); err != nil {
		watcher.Close()
		return nil, err
	}

	// Следим за каталогом: редакторы и ConfigMap заменяют файл целиком
	if err := watcher.Add(filepath.Dir(manager.configPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	go manager.watchConfig()

	return manager, nil
}

// Subscribe подписывает на изменения конфигурации.
// В канал сразу попадает текущая конфигурация; при медленном
// подписчике промежуточные версии заменяются последней.
func (m *ConfigManager) Subscribe() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	if m.closed {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)

	if m.config != nil {
		ch <- m.config
	}

	return ch
}

// GetConfig возвращает текущую конфигурацию
func (m *ConfigManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetLastError возвращает последнюю ошибку загрузки конфигурации
func (m *ConfigManager) GetLastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Close закрывает менеджер и освобождает ресурсы
func (m *ConfigManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	// Закрываем все подписки
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil

	return m.watcher.Close()
}

// loadConfig загружает конфигурацию из файла.
// При ошибке остается действующей предыдущая конфигурация.
func (m *ConfigManager) loadConfig() error {
	newConfig, err := LoadFromFile(m.configPath)
	if err != nil {
		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()
		return fmt.Errorf("failed to load config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.config = newConfig
	m.lastError = nil

	// Уведомляем подписчиков
	for _, ch := range m.subscribers {
		select {
		case <-ch:
			// Выбрасываем непрочитанную версию
		default:
		}
		ch <- newConfig
	}

	return nil
}

// watchConfig отслеживает изменения в файле конфигурации
func (m *ConfigManager) watchConfig() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.configPath {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Сбрасываем таймер если он уже запущен
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDelay, func() {
					_ = m.loadConfig()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.mu.Lock()
			m.lastError = fmt.Errorf("watcher error: %w", err)
			m.mu.Unlock()
		}
	}
}
