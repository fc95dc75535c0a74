package k8s

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client bundles the typed clientset (pods, services) with the
// dynamic client used for the rollout custom resource.
type Client struct {
	clientset kubernetes.Interface
	dyn       dynamic.Interface
}

// NewClient builds cluster access: in-cluster service account first,
// kubeconfig file as the local-development fallback.
func NewClient(kubeconfig string) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig from %s: %w", kubeconfig, err)
		}
		logrus.Infof("using kubeconfig from %s", kubeconfig)
	} else {
		logrus.Info("using in-cluster service account configuration")
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	return &Client{clientset: clientset, dyn: dyn}, nil
}

func (c *Client) Clientset() kubernetes.Interface { return c.clientset }
func (c *Client) Dynamic() dynamic.Interface      { return c.dyn }

// NewClientForTesting wires pre-built clients, bypassing kubeconfig
// discovery.
func NewClientForTesting(clientset kubernetes.Interface, dyn dynamic.Interface) *Client {
	return &Client{clientset: clientset, dyn: dyn}
}

// PodInfo is the per-pod view the status API serves.
type PodInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
	IP       string `json:"ip"`
	Node     string `json:"node"`
	Restarts int32  `json:"restarts"`
}

// ListAppPods returns the pods matching the app label, with their
// version label (blue/green) and readiness.
func (c *Client) ListAppPods(ctx context.Context, namespace, appLabel string) ([]PodInfo, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", appLabel),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}

	infos := make([]PodInfo, 0, len(pods.Items))
	for _, pod := range pods.Items {
		version := pod.Labels["version"]
		if version == "" {
			version = "unknown"
		}
		ready := len(pod.Status.ContainerStatuses) > 0
		var restarts int32
		for _, cs := range pod.Status.ContainerStatuses {
			if !cs.Ready {
				ready = false
			}
			restarts += cs.RestartCount
		}
		infos = append(infos, PodInfo{
			Name:     pod.Name,
			Version:  version,
			Status:   string(pod.Status.Phase),
			Ready:    ready,
			IP:       pod.Status.PodIP,
			Node:     pod.Spec.NodeName,
			Restarts: restarts,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ServiceRouting describes which version the Service selector
// currently sends traffic to.
type ServiceRouting struct {
	ActiveVersion string            `json:"activeVersion"`
	Selector      map[string]string `json:"selector"`
	ClusterIP     string            `json:"clusterIP"`
	Ports         []ServicePort     `json:"ports"`
}

type ServicePort struct {
	Port       int32  `json:"port"`
	TargetPort string `json:"targetPort"`
}

// GetServiceRouting reads the Service selector to find the active
// version.
func (c *Client) GetServiceRouting(ctx context.Context, namespace, name string) (*ServiceRouting, error) {
	svc, err := c.clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting service %s/%s: %w", namespace, name, err)
	}
	routing := &ServiceRouting{
		ActiveVersion: svc.Spec.Selector["version"],
		Selector:      svc.Spec.Selector,
		ClusterIP:     svc.Spec.ClusterIP,
	}
	if routing.ActiveVersion == "" {
		routing.ActiveVersion = "unknown"
	}
	for _, p := range svc.Spec.Ports {
		routing.Ports = append(routing.Ports, ServicePort{
			Port:       p.Port,
			TargetPort: p.TargetPort.String(),
		})
	}
	return routing, nil
}

// PodEvents collects recent event messages for pods whose name
// contains the service name. Diagnostic output only.
func (c *Client) PodEvents(ctx context.Context, namespace, service string) string {
	events, err := c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "involvedObject.kind=Pod,reason!=Scheduled",
	})
	if err != nil {
		logrus.Warnf("failed to list pod events in %s: %v", namespace, err)
		return fmt.Sprintf("failed to get pod events: %v", err)
	}

	var b strings.Builder
	for _, ev := range events.Items {
		if strings.Contains(ev.InvolvedObject.Name, service) {
			fmt.Fprintf(&b, "- %s\n", ev.Message)
		}
	}
	if b.Len() == 0 {
		return "no relevant events found"
	}
	return b.String()
}

// CountVersions tallies pods per version label.
func CountVersions(pods []PodInfo) (blue, green int) {
	for _, p := range pods {
		switch p.Version {
		case "blue":
			blue++
		case "green":
			green++
		}
	}
	return blue, green
}
