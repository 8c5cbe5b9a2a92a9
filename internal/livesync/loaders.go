package livesync

import (
	"context"

	"github.com/d60-Lab/feedsync/internal/feed"
)

// ServiceLoaders refetch the first page of a feed or thread through svc, the
// same page a client sees on load, and decorate streamed comments alike.
func ServiceLoaders(svc *feed.Service) (FeedLoader, ThreadLoader, CommentDecorator) {
	loadFeed := func(ctx context.Context, scope FeedScope) ([]*feed.EnrichedSubject, error) {
		page, err := svc.Feed(ctx, feed.Query{
			ViewerID:  scope.ViewerID,
			AuthorID:  scope.AuthorID,
			GroupID:   scope.GroupID,
			CompanyID: scope.CompanyID,
			Following: scope.Following,
		})
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	}
	loadThread := func(ctx context.Context, subjectID, viewerID string) ([]*feed.EnrichedComment, error) {
		page, err := svc.Comments(ctx, subjectID, viewerID, "", 0)
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	}
	return loadFeed, loadThread, svc.EnrichComment
}
