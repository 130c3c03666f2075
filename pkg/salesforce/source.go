package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/source"
)

// MaxOffset is the largest OFFSET SOQL accepts. Records past it are not
// reachable with LIMIT/OFFSET paging.
const MaxOffset = 2000

const documentMultiplier = 1.5

type sobject struct {
	name   string
	fields []string
}

var sobjects = map[model.EntityType]sobject{
	model.EntityContact: {"Contact", []string{
		"Id", "FirstName", "LastName", "Name", "Email", "Phone", "MobilePhone", "HomePhone",
		"MailingStreet", "MailingCity", "MailingState", "MailingPostalCode", "LastModifiedDate",
	}},
	model.EntityJob: {"Opportunity", []string{
		"Id", "Name", "StageName", "Amount", "CloseDate", "ContactId", "LastModifiedDate",
	}},
	model.EntityDocument: {"ContentDocument", []string{
		"Id", "Title", "FileExtension", "FileType", "ContentSize", "LatestPublishedVersionId",
	}},
	model.EntityTask: {"Task", []string{
		"Id", "Subject", "Description", "ActivityDate", "Status", "IsClosed", "WhatId",
	}},
}

// Source adapts a Salesforce Client to source.Fetcher.
type Source struct {
	client Client
}

// NewSource wraps c as a migration source.
func NewSource(c Client) *Source {
	return &Source{client: c}
}

func (s *Source) Source() model.Source { return model.SourceSalesforce }

func (s *Source) DocumentMultiplier() float64 { return documentMultiplier }

// Fetch reads one page ordered by Id. Pages starting past MaxOffset fail
// without a request.
func (s *Source) Fetch(ctx context.Context, entity model.EntityType, page, pageSize int) (*source.Page, error) {
	obj, ok := sobjects[entity]
	if !ok {
		return nil, eris.Errorf("sf: unsupported entity %q", entity)
	}
	offset := (page - 1) * pageSize
	if offset > MaxOffset {
		return nil, eris.Errorf("sf: %s offset %d exceeds the SOQL OFFSET limit of %d", obj.name, offset, MaxOffset)
	}

	total, err := s.client.Count(ctx, "SELECT COUNT() FROM "+obj.name)
	if err != nil {
		return nil, eris.Wrapf(err, "sf: count %s", obj.name)
	}

	soql := fmt.Sprintf("SELECT %s FROM %s ORDER BY Id LIMIT %d OFFSET %d",
		strings.Join(obj.fields, ", "), obj.name, pageSize, offset)
	var rows []map[string]any
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, eris.Wrapf(err, "sf: list %s", obj.name)
	}
	for _, r := range rows {
		delete(r, "attributes")
	}
	return &source.Page{
		Records:    source.Records(entity, "Id", rows),
		TotalCount: total,
	}, nil
}

var _ source.Fetcher = (*Source)(nil)
