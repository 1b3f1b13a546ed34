package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/telemyapp/aegis-sessions/internal/model"
)

// FakeClient places every run on a synthetic node. Used for local development
// when AEGIS_ORCHESTRATOR_PROVIDER=fake.
type FakeClient struct {
	Region string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{Region: "local"}
}

func (f *FakeClient) Run(_ context.Context, req RunRequest) (model.Container, error) {
	nodeTail, err := randomUint8()
	if err != nil {
		return model.Container{}, err
	}
	region := f.Region
	if len(req.PreferredDCs) > 0 && req.PreferredDCs[0] != "" {
		region = req.PreferredDCs[0]
	}
	return model.Container{
		ID:     "fake-" + req.WsConn.ID,
		NodeID: fmt.Sprintf("node-%d", 10+int(nodeTail)%200),
		Region: region,
	}, nil
}

func (f *FakeClient) Pause(context.Context, model.Container) error { return nil }

func (f *FakeClient) Resume(context.Context, model.Container, WsConnRef) error { return nil }

func (f *FakeClient) Stop(context.Context, model.Container) error { return nil }

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

