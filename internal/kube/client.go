package kube

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dbharbor/dbharbor/internal/config"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// ErrCredential marks unusable cluster credentials: an unparseable
// kubeconfig blob, an unknown context, or no discoverable ambient identity.
var ErrCredential = errors.New("cluster credentials unavailable")

// Client is an authenticated handle to one Kubernetes API server. The rest
// config is retained because the port-forward transport is negotiated
// against it.
type Client struct {
	Clientset  kubernetes.Interface
	RestConfig *rest.Config
}

// NewClient builds a client from the given kubeconfig blob and context name.
// Precedence: an explicit blob wins; with no blob, ambient in-cluster
// identity is tried; failing that, the local default config file is used
// (DBHARBOR_KUBECONFIG_PATH, else KUBECONFIG, else ~/.kube/config).
func NewClient(kubeconfig []byte, contextName string) (*Client, error) {
	cfg, err := buildRestConfig(kubeconfig, contextName)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return &Client{Clientset: clientset, RestConfig: cfg}, nil
}

func buildRestConfig(kubeconfig []byte, contextName string) (*rest.Config, error) {
	if len(kubeconfig) > 0 {
		return configFromBlob(kubeconfig, contextName)
	}

	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	path := defaultKubeconfigPath()
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrCredential, path, err)
	}
	return cfg, nil
}

func configFromBlob(kubeconfig []byte, contextName string) (*rest.Config, error) {
	raw, err := clientcmd.Load(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("%w: parse kubeconfig: %v", ErrCredential, err)
	}

	if contextName != "" {
		if _, ok := raw.Contexts[contextName]; !ok {
			return nil, fmt.Errorf("%w: context %q not found in kubeconfig", ErrCredential, contextName)
		}
	}

	clientConfig := clientcmd.NewNonInteractiveClientConfig(*raw, contextName, &clientcmd.ConfigOverrides{}, nil)
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	return cfg, nil
}

func defaultKubeconfigPath() string {
	if config.Cfg.KubeconfigPath != "" {
		return config.Cfg.KubeconfigPath
	}
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return env
	}
	if home := homedir.HomeDir(); home != "" {
		return home + "/.kube/config"
	}
	return clientcmd.RecommendedHomeFile
}

// ListContexts returns the context names declared in a kubeconfig blob,
// sorted. Used by the UI's cluster discovery flow.
func ListContexts(kubeconfig []byte) ([]string, error) {
	raw, err := clientcmd.Load(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("%w: parse kubeconfig: %v", ErrCredential, err)
	}

	names := make([]string, 0, len(raw.Contexts))
	for name := range raw.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
