package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type fakeOp struct{ err error }

func (o fakeOp) Wait(context.Context, ...gax.CallOption) error { return o.err }

// fakeInstances behaves like a zone: inserted VMs exist until deleted,
// and deleting a missing VM is a REST 404.
type fakeInstances struct {
	mu      sync.Mutex
	live    map[string]bool
	inserts []*computepb.InsertInstanceRequest
	deletes []string
	closed  int

	insertErr  error
	insertWait error
	deleteErr  error
	deleteWait error
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{live: make(map[string]bool)}
}

func (f *fakeInstances) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, req)
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.live[req.GetInstanceResource().GetName()] = true
	return fakeOp{err: f.insertWait}, nil
}

func (f *fakeInstances) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req.GetInstance())
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	if !f.live[req.GetInstance()] {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "instance not found"}
	}
	delete(f.live, req.GetInstance())
	return fakeOp{err: f.deleteWait}, nil
}

func (f *fakeInstances) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

type EngineSuite struct {
	suite.Suite
	ctx    context.Context
	api    *fakeInstances
	engine *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.api = newFakeInstances()
	s.engine = s.newEngine(Config{
		Project: "ci-project",
		Zone:    "europe-north1-a",
		Image:   "projects/ci-project/global/images/family/runner",
	})
}

func (s *EngineSuite) newEngine(cfg Config, closers ...io.Closer) *Engine {
	return newEngine(s.api, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), closers...)
}

func (s *EngineSuite) TestStartRunner_InstanceSpec() {
	id, err := s.engine.StartRunner(s.ctx, "runner-1", "jit-blob")
	s.Require().NoError(err)
	s.Equal("runner-1", id)
	s.True(s.engine.Tracks(id))

	s.Require().Len(s.api.inserts, 1)
	req := s.api.inserts[0]
	s.Equal("ci-project", req.GetProject())
	s.Equal("europe-north1-a", req.GetZone())

	inst := req.GetInstanceResource()
	s.Equal("zones/europe-north1-a/machineTypes/e2-medium", inst.GetMachineType())
	s.Equal("oneshot", inst.GetLabels()[LabelManagedBy])
	s.False(inst.GetScheduling().GetAutomaticRestart())

	disk := inst.GetDisks()[0]
	s.True(disk.GetBoot())
	s.True(disk.GetAutoDelete())
	s.Equal(int64(50), disk.GetInitializeParams().GetDiskSizeGb())

	items := inst.GetMetadata().GetItems()
	s.Require().Len(items, 1)
	s.Equal(jitMetadataKey, items[0].GetKey())
	s.Equal("jit-blob", items[0].GetValue())

	nic := inst.GetNetworkInterfaces()[0]
	s.Equal("global/networks/default", nic.GetNetwork())
	s.Len(nic.GetAccessConfigs(), 1, "public IP is on by default")
	s.Empty(inst.GetServiceAccounts())
}

func (s *EngineSuite) TestStartRunner_PrivateVMWithServiceAccount() {
	e := s.newEngine(Config{
		Project:        "ci-project",
		Zone:           "europe-north1-a",
		Image:          "img",
		Subnet:         "regions/europe-north1/subnetworks/runners",
		PublicIP:       proto.Bool(false),
		ServiceAccount: "runner@ci-project.iam.gserviceaccount.com",
		Labels:         map[string]string{"team": "platform"},
	})

	_, err := e.StartRunner(s.ctx, "runner-2", "jit")
	s.Require().NoError(err)

	inst := s.api.inserts[0].GetInstanceResource()
	nic := inst.GetNetworkInterfaces()[0]
	s.Empty(nic.GetAccessConfigs())
	s.Equal("regions/europe-north1/subnetworks/runners", nic.GetSubnetwork())
	s.Equal("platform", inst.GetLabels()["team"])
	s.Equal("oneshot", inst.GetLabels()[LabelManagedBy])

	sa := inst.GetServiceAccounts()
	s.Require().Len(sa, 1)
	s.Equal("runner@ci-project.iam.gserviceaccount.com", sa[0].GetEmail())
	s.Equal([]string{cloudPlatform}, sa[0].GetScopes())
}

func (s *EngineSuite) TestStartRunner_Failures() {
	s.api.insertErr = errors.New("quota exceeded")
	_, err := s.engine.StartRunner(s.ctx, "runner-1", "jit")
	s.ErrorContains(err, "quota exceeded")
	s.False(s.engine.Tracks("runner-1"))

	s.api.insertErr = nil
	s.api.insertWait = errors.New("operation failed")
	_, err = s.engine.StartRunner(s.ctx, "runner-2", "jit")
	s.ErrorContains(err, "operation failed")
	s.False(s.engine.Tracks("runner-2"))
}

func (s *EngineSuite) TestDestroyRunner_Idempotent() {
	id, err := s.engine.StartRunner(s.ctx, "runner-1", "jit")
	s.Require().NoError(err)

	s.Require().NoError(s.engine.DestroyRunner(s.ctx, id))
	s.False(s.engine.Tracks(id))

	s.NoError(s.engine.DestroyRunner(s.ctx, id), "second delete hits a 404")
	s.Equal([]string{id, id}, s.api.deletes)
}

func (s *EngineSuite) TestDestroyRunner_NotFoundWhileWaiting() {
	id, err := s.engine.StartRunner(s.ctx, "runner-1", "jit")
	s.Require().NoError(err)

	s.api.deleteWait = status.Error(codes.NotFound, "instance vanished")
	s.NoError(s.engine.DestroyRunner(s.ctx, id))
	s.False(s.engine.Tracks(id))
}

func (s *EngineSuite) TestDestroyRunner_OtherErrorsKeepTracking() {
	id, err := s.engine.StartRunner(s.ctx, "runner-1", "jit")
	s.Require().NoError(err)

	s.api.deleteErr = &googleapi.Error{Code: http.StatusForbidden, Message: "permission denied"}
	err = s.engine.DestroyRunner(s.ctx, id)
	s.Require().Error(err)
	s.Contains(err.Error(), "runner-1")
	s.True(s.engine.Tracks(id))
}

func (s *EngineSuite) TestShutdown_DeletesAndClosesClients() {
	var opsClosed int
	e := s.newEngine(Config{Project: "p", Zone: "z", Image: "img"},
		closerFunc(func() error { opsClosed++; return nil }))

	for _, n := range []string{"a", "b", "c"} {
		_, err := e.StartRunner(s.ctx, n, "jit")
		s.Require().NoError(err)
	}

	s.Require().NoError(e.Shutdown(s.ctx))
	s.Empty(s.api.live)
	s.ElementsMatch([]string{"a", "b", "c"}, s.api.deletes)
	s.Equal(1, s.api.closed)
	s.Equal(1, opsClosed)
	s.Zero(e.running.Len())
}

func (s *EngineSuite) TestShutdown_JoinsErrors() {
	e := s.newEngine(Config{Project: "p", Zone: "z", Image: "img"},
		closerFunc(func() error { return errors.New("ops close failed") }))
	_, err := e.StartRunner(s.ctx, "a", "jit")
	s.Require().NoError(err)

	s.api.deleteErr = errors.New("backend unavailable")
	err = e.Shutdown(s.ctx)
	s.Require().Error(err)
	s.Contains(err.Error(), "backend unavailable")
	s.Contains(err.Error(), "ops close failed")
	s.Equal(1, s.api.closed, "clients are closed even after delete failures")
}

func TestConfigValidate(t *testing.T) {
	err := (&Config{}).Validate()
	require.Error(t, err)
	for _, key := range []string{"project", "zone", "image"} {
		assert.Contains(t, err.Error(), "engine.gcp."+key)
	}

	cfg := Config{Project: "p", Zone: "z", Image: "img", DiskSizeGB: -1}
	assert.ErrorContains(t, cfg.Validate(), "disk_size_gb")

	cfg.DiskSizeGB = 0
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "e2-medium", cfg.MachineType)
	assert.Equal(t, int64(50), cfg.DiskSizeGB)
	assert.Equal(t, "default", cfg.Network)
	require.NotNil(t, cfg.PublicIP)
	assert.True(t, *cfg.PublicIP)
}

func TestIsNotFound(t *testing.T) {
	rest404 := &googleapi.Error{Code: http.StatusNotFound}
	wrapped, ok := apierror.FromError(rest404)
	require.True(t, ok)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"googleapi 404", rest404, true},
		{"googleapi 403", &googleapi.Error{Code: http.StatusForbidden}, false},
		{"wrapped googleapi 404", fmt.Errorf("delete instance x: %w", rest404), true},
		{"apierror 404", wrapped, true},
		{"grpc NotFound", status.Error(codes.NotFound, "gone"), true},
		{"grpc PermissionDenied", status.Error(codes.PermissionDenied, "no"), false},
		{"operation payload", errors.New("googleapi: Error 404: The resource was not found"), true},
		{"unrelated", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
