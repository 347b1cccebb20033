package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// IntegrationTestSuite gives suites that run a whole extraction against
// BCServer a bounded context and a scratch directory shared by their tests
type IntegrationTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	dir    string
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)
	s.dir = s.T().TempDir()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	s.cancel()
}

// Context is cancelled when the suite finishes or after one minute
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// Path joins name onto the scratch directory
func (s *IntegrationTestSuite) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// IntegrationTest skips t under -short
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}
