package config_test

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/tasksh/tasksh/internals/config"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (ConfigSuite) TestDefault(c *C) {
	cfg := config.Default()
	c.Check(cfg.MaxTasks, Equals, config.DefaultMaxTasks)
	c.Check(cfg.MaxLine, Equals, config.DefaultMaxLine)
	c.Check(cfg.MetricsAddr, Equals, "")
}

func (ConfigSuite) TestLoadOverridesDefaults(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "tasksh.yaml")
	err := os.WriteFile(path, []byte("max_tasks: 8192\nmax_line: 1024\nmetrics_addr: \":9090\"\n"), 0o644)
	c.Assert(err, IsNil)

	cfg, err := config.Load(path)
	c.Assert(err, IsNil)
	c.Check(cfg.MaxTasks, Equals, 8192)
	c.Check(cfg.MaxLine, Equals, 1024)
	c.Check(cfg.MetricsAddr, Equals, ":9090")
}

func (ConfigSuite) TestLoadRejectsBelowMinimums(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "tasksh.yaml")
	err := os.WriteFile(path, []byte("max_tasks: 10\n"), 0o644)
	c.Assert(err, IsNil)

	_, err = config.Load(path)
	c.Check(err, NotNil)
}

func (ConfigSuite) TestLoadMissingFile(c *C) {
	_, err := config.Load("/nonexistent/tasksh.yaml")
	c.Check(err, NotNil)
}
