package clinicaltrials

import "encoding/json"

// statisticsResponse is the relevant part of /info/study_statistics.
type statisticsResponse struct {
	StudyStatistics struct {
		ElmtDefs struct {
			Study struct {
				NInstances json.Number `json:"nInstances"`
			} `json:"Study"`
		} `json:"ElmtDefs"`
	} `json:"StudyStatistics"`
}

// fullStudiesResponse is the top-level structure of /query/full_studies.
type fullStudiesResponse struct {
	FullStudiesResponse struct {
		NStudiesFound int         `json:"NStudiesFound"`
		MinRank       int         `json:"MinRank"`
		MaxRank       int         `json:"MaxRank"`
		FullStudies   []fullStudy `json:"FullStudies"`
	} `json:"FullStudiesResponse"`
}

// fullStudy wraps one study. Only Study is kept as the raw payload; Rank moves as the
// registry grows and must not affect the fingerprint.
type fullStudy struct {
	Rank  int             `json:"Rank"`
	Study json.RawMessage `json:"Study"`
}
