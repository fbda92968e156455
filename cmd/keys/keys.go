package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	logger "github.com/sirupsen/logrus"

	"marginengine/src/model"
	"marginengine/src/repository"
)

var ErrUnknownService = errors.New("unknown service")

var services = []string{
	model.ServiceSpotListings,
	model.ServiceFXRates,
	model.ServiceCandles,
	model.ServiceMetals,
}

type sealer interface {
	Seal(plain string) (string, error)
}

// Keys administers the upstream credential pools.
type Keys struct {
	Repo *repository.APIKeyRepository
	Box  sealer
	Out  io.Writer
}

// Add seals secret and stores it as an active key for service.
func (k *Keys) Add(ctx context.Context, service, label, secret string, priority int) (*model.APIKey, error) {
	service, err := normalizeService(service)
	if err != nil {
		return nil, err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret is required")
	}

	sealed, err := k.Box.Seal(secret)
	if err != nil {
		return nil, err
	}

	key := &model.APIKey{
		Service:      service,
		Label:        strings.TrimSpace(label),
		SecretCipher: sealed,
		Priority:     priority,
	}
	if err := k.Repo.Create(ctx, key); err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"service":  service,
		"key_id":   key.ID,
		"priority": priority,
	}).Info("api key added")
	_, _ = fmt.Fprintf(k.Out, "added key %d to %s\n", key.ID, service)
	return key, nil
}

// List prints the pool of service, or every pool when service is empty, in rotation order.
func (k *Keys) List(ctx context.Context, service string) error {
	if service != "" {
		var err error
		if service, err = normalizeService(service); err != nil {
			return err
		}
	}

	keys, err := k.Repo.List(ctx, service)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(k.Out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSERVICE\tLABEL\tPRIORITY\tACTIVE\tUSES\tLAST USED\tRETIRED")
	for _, key := range keys {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%d\t%s\t%s\n",
			key.ID, key.Service, key.Label, key.Priority, key.Active, key.UsageCount,
			formatTime(key.LastUsedAt), formatTime(key.RetiredAt))
	}
	return w.Flush()
}

// SetActive is the administrative override for a retired key.
func (k *Keys) SetActive(ctx context.Context, id uint, active bool) error {
	if err := k.Repo.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("key %d: %w", id, err)
	}
	logger.WithFields(map[string]interface{}{
		"key_id": id,
		"active": active,
	}).Info("api key state changed")
	_, _ = fmt.Fprintf(k.Out, "key %d active=%t\n", id, active)
	return nil
}

func normalizeService(service string) (string, error) {
	service = strings.ToLower(strings.TrimSpace(service))
	for _, s := range services {
		if s == service {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w %q (one of %s)", ErrUnknownService, service, strings.Join(services, ", "))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
