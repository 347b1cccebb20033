package pipeline

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/destinations/jsonl"
	dynamicsbc "github.com/ajitpratap0/nebula-bc/pkg/connector/sources/dynamics_bc"
	"github.com/ajitpratap0/nebula-bc/pkg/state"
	"github.com/ajitpratap0/nebula-bc/pkg/testutil"
)

const apiRoot = "/v2.0/production/api/v2.0"

type ExtractionSuite struct {
	testutil.IntegrationTestSuite
	server *testutil.BCServer
}

func TestExtractionSuite(t *testing.T) {
	testutil.IntegrationTest(t)
	suite.Run(t, new(ExtractionSuite))
}

func (s *ExtractionSuite) SetupTest() {
	s.server = testutil.NewBCServer(s.T(), "Production")
	s.server.JSON(apiRoot+"/companies", nil, `{"value":[{"id":"c1","name":"CRONUS"}]}`)
	s.server.JSON(apiRoot+"/companies(c1)/companyInformation", nil, `{"value":[{"id":"info-1"}]}`)
	s.server.JSON(apiRoot+"/companies(c1)/customers", url.Values{
		"$filter": {"lastModifiedDateTime gt 2024-01-01T00:00:00Z"},
	}, `{"value":[
		{"id":"cu1","lastModifiedDateTime":"2024-02-01T00:00:00Z"},
		{"id":"cu2","lastModifiedDateTime":"2024-04-01T00:00:00Z"}
	],"@odata.nextLink":"`+s.server.URL+apiRoot+`/companies(c1)/customers?aid=FIN&$skiptoken=cu2"}`)
	s.server.JSON(apiRoot+"/companies(c1)/customers", url.Values{
		"$filter":    {"lastModifiedDateTime gt 2024-01-01T00:00:00Z"},
		"aid":        {"FIN"},
		"$skiptoken": {"cu2"},
	}, `{"value":[{"id":"cu3","lastModifiedDateTime":"2024-03-01T00:00:00Z"}]}`)
	s.server.JSON(apiRoot+"/companies(c1)/customers", url.Values{
		"$filter": {"lastModifiedDateTime gt 2024-04-01T00:00:00Z"},
	}, `{"value":[]}`)
}

func (s *ExtractionSuite) config(name string) *config.Config {
	cfg := testutil.TestConfig(s.server.URL)
	cfg.Source.Streams = []string{"customers"}
	cfg.Destination.Path = s.Path(name)
	cfg.State.URI = "file://" + s.Path("state.json")
	return cfg
}

func (s *ExtractionSuite) run(cfg *config.Config) (*Stats, error) {
	ctx := s.Context()
	logger := zaptest.NewLogger(s.T())

	src, err := dynamicsbc.NewSource(cfg, dynamicsbc.WithLogger(logger))
	s.Require().NoError(err)
	s.Require().NoError(src.Initialize(ctx, cfg))
	defer src.Close(context.Background())

	dst := jsonl.NewDestination(cfg, jsonl.WithLogger(logger))
	s.Require().NoError(dst.Initialize(ctx, cfg))
	defer dst.Close(context.Background())

	store, err := state.Open(ctx, cfg.State)
	s.Require().NoError(err)

	return New(src, dst, store, logger).Run(ctx)
}

func (s *ExtractionSuite) TestIncrementalRunsResumeFromSavedState() {
	first := s.config("first.jsonl")
	stats, err := s.run(first)
	s.Require().NoError(err)
	s.Equal(int64(3), stats.Records)
	s.Equal(map[string]int64{"customers": 3}, stats.PerStream)

	out, err := os.ReadFile(first.Destination.Path)
	s.Require().NoError(err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	s.Require().Len(lines, 4)
	s.Contains(lines[0], `"id":"cu1"`)
	s.Contains(lines[2], `"id":"cu3"`)
	s.Contains(lines[3], `"type":"STATE"`)
	s.Contains(lines[3], `"2024-04-01T00:00:00Z"`)

	saved, err := os.ReadFile(s.Path("state.json"))
	s.Require().NoError(err)
	s.Contains(string(saved), `"company_id=c1;company_name=CRONUS": "2024-04-01T00:00:00Z"`)

	second := s.config("second.jsonl")
	stats, err = s.run(second)
	s.Require().NoError(err)
	s.Equal(int64(0), stats.Records)
	s.True(stats.StateSaved)
}
