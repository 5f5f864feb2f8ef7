package api

import (
	"context"
	"fmt"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
	"github.com/wahub-io/wahub/internal/whatsapp"
)

// syncTemplates pulls the template list from the Graph API and upserts it
// for the number. Used by the explicit sync endpoint, by number
// create/update and by template webhook events.
func syncTemplates(ctx context.Context, store storage.Store, graph config.WhatsAppConfig, n *models.PhoneNumber) (int, error) {
	if !n.CanSyncTemplates() {
		return 0, fmt.Errorf("phone number cannot sync templates: official api credentials required")
	}

	client := whatsapp.NewClient(graph.GraphBaseURL, graph.GraphVersion, n.AccessToken, graph.Timeout)
	graphTemplates, err := client.ListTemplates(ctx, n.BusinessAccountID)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, g := range graphTemplates {
		if g.Name == "" {
			continue
		}
		t := models.TemplateFromGraph(n.ID, g)
		if err := store.UpsertTemplate(ctx, t); err != nil {
			return synced, fmt.Errorf("upsert template %s: %w", g.Name, err)
		}
		synced++
	}
	return synced, nil
}
