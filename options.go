package migrator

import (
	"github.com/sirupsen/logrus"
)

type ManagerOption func(*Manager)

func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}
