package pipeline

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/store"
)

const similarCaseLimit = 5

// StoreCaseFinder surfaces recently resolved exceptions from the same
// tenant and domain as opaque evidence lines. It is deliberately shallow:
// the evidence informs the triage prompt, it never decides anything.
type StoreCaseFinder struct {
	excs store.ExceptionStore
}

// NewStoreCaseFinder builds a case finder over the exception store.
func NewStoreCaseFinder(excs store.ExceptionStore) *StoreCaseFinder {
	return &StoreCaseFinder{excs: excs}
}

// SimilarCases returns one line per recent resolved exception in the
// binding's domain.
func (f *StoreCaseFinder) SimilarCases(ctx context.Context, exc *models.Exception) ([]string, error) {
	priors, err := f.excs.List(ctx, exc.TenantID, store.ExceptionQuery{
		Domain: exc.Domain,
		Status: models.StatusResolved,
		Limit:  similarCaseLimit,
	})
	if err != nil {
		return nil, err
	}

	var cases []string
	for _, prior := range priors {
		if prior.ExceptionID == exc.ExceptionID {
			continue
		}
		line := fmt.Sprintf("%s resolved as %s/%s", prior.ExceptionID, prior.ExceptionType, prior.Severity)
		if prior.CurrentPlaybookID != "" {
			line += fmt.Sprintf(" via %s", prior.CurrentPlaybookID)
		}
		cases = append(cases, line)
	}
	return cases, nil
}
