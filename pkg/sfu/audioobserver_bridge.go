package sfu

import "github.com/livekit/livekit-server/pkg/sfu/activemedialist"

// ActiveTalkerIDs adapts an ActiveMediaList's active-talker snapshot into
// the same []string speaker-id shape AudioObserver.Calc returns, using
// byEndpoint to translate hashed EndpointIDs back to the caller's
// participant identity strings. Callers migrating off AudioObserver can
// use this to keep an existing "who's speaking" consumer working
// unchanged while the level tracking itself moves to the active media
// list's dominant-speaker engine.
func ActiveTalkerIDs(aml *activemedialist.ActiveMediaList, byEndpoint map[activemedialist.EndpointID]string) []string {
	talkers := aml.GetActiveTalkers()
	ids := make([]string, 0, len(talkers))
	for _, t := range talkers {
		if id, ok := byEndpoint[t.Endpoint]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
