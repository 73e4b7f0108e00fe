package core

import (
	"errors"
	"fmt"
	"net/url"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func (r *run) upsertFeed(f *FeedFields) error {
	ref, exists, err := r.lookup(domain.KindFeed, f.Identity)
	if err != nil {
		return err
	}
	var operators []EntityRef
	if f.OperatorsInFeed != nil {
		if operators, err = r.resolver.ResolveAll(domain.KindOperator, f.OperatorsInFeed); err != nil {
			return fmt.Errorf("operatorsInFeed: %w", err)
		}
	}
	if exists {
		_, err := r.tx.UpdateFeed(ref.ID, func(feed *Feed) error {
			f.patch(feed, operators)
			feed.ChangesetID = r.changesetID
			return nil
		})
		return err
	}

	if err := missingFields(map[string]bool{"url": f.URL != nil}); err != nil {
		return err
	}
	onestop := f.OnestopID
	if onestop == "" {
		var points []orb.Point
		for _, ref := range operators {
			if o, ok := r.tx.FindOperator(ref.ID); ok && o.Geometry != nil {
				points = append(points, *o.Geometry)
			}
		}
		if len(points) == 0 {
			return errors.New("operatorsInFeed with geometry is required to mint a feed onestop id")
		}
		u, err := url.Parse(*f.URL)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		if onestop, err = r.resolver.Mint(domain.KindFeed, u.Hostname(), points); err != nil {
			return err
		}
	}
	feed := Feed{Base: domain.Base{OnestopID: onestop, ChangesetID: r.changesetID}}
	f.patch(&feed, operators)
	created, err := r.tx.CreateFeed(feed)
	if err != nil {
		return err
	}
	r.created(f.Identity, created.Ref(domain.KindFeed))
	return nil
}

func (f *FeedFields) patch(feed *Feed, operators []EntityRef) {
	setString(&feed.URL, f.URL)
	setString(&feed.FeedFormat, f.FeedFormat)
	setString(&feed.License, f.License)
	if f.OperatorsInFeed != nil {
		feed.OperatorIDs = refIDs(operators)
	}
	if f.Tags != nil {
		feed.Tags = mergeTags(feed.Tags, f.Tags)
	}
}
