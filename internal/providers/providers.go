// Package providers assembles the placement backends into the factory
// map the kernel manager selects from. Cluster clients are built
// lazily so a gateway configured for SSH-only placement never needs a
// Docker socket or a kubeconfig.
package providers

import (
	"fmt"
	"log/slog"
	"os/user"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"
	"k8s.io/client-go/dynamic"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/otterscale/kernel-provisioner/internal/config"
	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/kernels"
	"github.com/otterscale/kernel-provisioner/internal/providers/container"
	"github.com/otterscale/kernel-provisioner/internal/providers/crd"
	"github.com/otterscale/kernel-provisioner/internal/providers/distributed"
	"github.com/otterscale/kernel-provisioner/internal/providers/docker"
	"github.com/otterscale/kernel-provisioner/internal/providers/kubernetes"
	"github.com/otterscale/kernel-provisioner/internal/providers/yarn"
	"github.com/otterscale/kernel-provisioner/internal/ssh"
	"github.com/otterscale/kernel-provisioner/internal/tunnel"
)

const yarnClientTimeout = 10 * time.Second

// New builds the backend factory map from the configuration. Every
// supported backend is registered; the ones needing cluster access
// connect on first use.
func New(conf *config.Config, sshClient *ssh.Client, log *slog.Logger) (map[string]kernels.BackendFactory, error) {
	if log == nil {
		log = slog.Default()
	}

	selector, err := distributed.NewSelector(conf.RemoteHosts(), conf.LoadBalancingAlgorithm())
	if err != nil {
		return nil, err
	}

	containerOpts := container.Options{
		ImageName:         conf.ImageName(),
		ExecutorImageName: conf.ExecutorImageName(),
		MirrorWorkingDirs: conf.MirrorWorkingDirs(),
		ProhibitedUIDs:    conf.ProhibitedUIDs(),
		ProhibitedGIDs:    conf.ProhibitedGIDs(),
	}
	kubeOpts := kubernetes.Options{
		Container:          containerOpts,
		Namespace:          conf.KernelNamespace(),
		SharedNamespace:    conf.SharedNamespace(),
		ClusterRole:        conf.KernelClusterRole(),
		ServiceAccountName: conf.KernelServiceAccountName(),
	}

	dockerAPI := sync.OnceValues(func() (*dockerclient.Client, error) {
		return dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	})
	kubeConfig := sync.OnceValues(loadKubeConfig)

	factories := map[string]kernels.BackendFactory{
		"distributed": func(string) (core.Backend, error) {
			return distributed.NewBackend(sshClient, selector, distributed.Options{
				KernelLogDir: conf.KernelLogDir(),
			}), nil
		},
		"yarn": func(string) (core.Backend, error) {
			if conf.YarnEndpoint() == "" {
				return nil, &core.ErrConfig{Option: config.KeyYarnEndpoint, Message: "yarn backend requires an endpoint"}
			}
			client := yarn.NewClient(conf.YarnEndpoint(), yarnClientTimeout, conf.AltYarnEndpoint())
			if conf.YarnEndpointSecurityEnabled() {
				client.AuthUser(resourceManagerUser(conf))
			}
			return yarn.NewBackend(client, yarn.Options{
				Endpoint:             conf.YarnEndpoint(),
				KernelLogDir:         conf.KernelLogDir(),
				ImpersonationEnabled: conf.ImpersonationEnabled(),
			}), nil
		},
		"docker": func(string) (core.Backend, error) {
			api, err := dockerAPI()
			if err != nil {
				return nil, fmt.Errorf("connecting to docker: %w", err)
			}
			return docker.NewBackend(api, docker.Options{
				Container: containerOpts,
				Network:   conf.DockerNetwork(),
			}), nil
		},
		"docker-swarm": func(string) (core.Backend, error) {
			api, err := dockerAPI()
			if err != nil {
				return nil, fmt.Errorf("connecting to docker: %w", err)
			}
			return docker.NewSwarmBackend(api, docker.Options{
				Container: containerOpts,
				Network:   conf.DockerNetwork(),
			}), nil
		},
		"kubernetes": func(string) (core.Backend, error) {
			cfg, err := kubeConfig()
			if err != nil {
				return nil, err
			}
			client, err := k8s.NewForConfig(cfg)
			if err != nil {
				return nil, fmt.Errorf("building kubernetes client: %w", err)
			}
			return kubernetes.NewBackend(client, kubeOpts), nil
		},
		"crd": func(string) (core.Backend, error) {
			cfg, err := kubeConfig()
			if err != nil {
				return nil, err
			}
			client, err := k8s.NewForConfig(cfg)
			if err != nil {
				return nil, fmt.Errorf("building kubernetes client: %w", err)
			}
			dyn, err := dynamic.NewForConfig(cfg)
			if err != nil {
				return nil, fmt.Errorf("building dynamic client: %w", err)
			}
			return crd.NewBackend(client, dyn, crd.Options{
				Kubernetes: kubeOpts,
				Group:      conf.CRDGroup(),
				Version:    conf.CRDVersion(),
				Plural:     conf.CRDPlural(),
			}), nil
		},
	}
	return factories, nil
}

// NewTunnelFactory returns the per-kernel tunnel constructor, nil when
// tunneling is disabled.
func NewTunnelFactory(conf *config.Config, sshClient *ssh.Client, log *slog.Logger) (kernels.TunnelFactory, error) {
	if !conf.TunnelingEnabled() {
		return nil, nil
	}
	portRange, err := core.ParsePortRange(conf.PortRange())
	if err != nil {
		return nil, err
	}
	return func(kernelID string) core.Tunneler {
		return tunnel.New(kernelID, &tunnel.SSHDialer{Client: sshClient}, portRange, log)
	}, nil
}

// resourceManagerUser is the identity presented to a secured resource
// manager, the configured remote user or the gateway's own.
func resourceManagerUser(conf *config.Config) string {
	if name := conf.RemoteUser(); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// loadKubeConfig prefers in-cluster credentials and falls back to the
// ambient kubeconfig for gateways running outside the cluster.
func loadKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	return cfg, nil
}
