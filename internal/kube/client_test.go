package kube

import (
	"errors"
	"testing"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: staging
  cluster:
    server: https://staging.example.invalid:6443
- name: prod
  cluster:
    server: https://prod.example.invalid:6443
contexts:
- name: staging-admin
  context:
    cluster: staging
    user: admin
- name: prod-admin
  context:
    cluster: prod
    user: admin
current-context: staging-admin
users:
- name: admin
  user:
    token: not-a-real-token
`

func TestNewClientFromBlob(t *testing.T) {
	cl, err := NewClient([]byte(testKubeconfig), "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cl.RestConfig.Host != "https://staging.example.invalid:6443" {
		t.Errorf("expected current-context server, got %s", cl.RestConfig.Host)
	}
}

func TestNewClientSelectsContext(t *testing.T) {
	cl, err := NewClient([]byte(testKubeconfig), "prod-admin")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cl.RestConfig.Host != "https://prod.example.invalid:6443" {
		t.Errorf("expected prod server, got %s", cl.RestConfig.Host)
	}
}

func TestNewClientUnknownContext(t *testing.T) {
	_, err := NewClient([]byte(testKubeconfig), "nope")
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestNewClientGarbageBlob(t *testing.T) {
	_, err := NewClient([]byte("{not yaml"), "")
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestListContextsSorted(t *testing.T) {
	contexts, err := ListContexts([]byte(testKubeconfig))
	if err != nil {
		t.Fatalf("list contexts: %v", err)
	}
	want := []string{"prod-admin", "staging-admin"}
	if len(contexts) != len(want) {
		t.Fatalf("expected %d contexts, got %d", len(want), len(contexts))
	}
	for i := range want {
		if contexts[i] != want[i] {
			t.Errorf("context %d: expected %s, got %s", i, want[i], contexts[i])
		}
	}
}

func TestListContextsGarbage(t *testing.T) {
	if _, err := ListContexts([]byte("{not yaml")); !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}
