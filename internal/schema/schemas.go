package schema

import (
	"fmt"
	"strings"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Shared property fragments.
const (
	contentTypeEnum = `{"type":"string","enum":["text","image","audio","video","embedding"]}`
	nonEmpty        = `{"type":"string","minLength":1}`
	stringList      = `{"type":"array","items":{"type":"string","minLength":1}}`
	seed            = `{"type":"integer"}`
	dateTime        = `{"type":"string","format":"date-time"}`
	statusEnum      = `{"type":"string","enum":["pending","running","succeeded","failed","cancelled"]}`
)

// providerEnum accepts every concrete provider plus auto in either case.
func providerEnum() string {
	names := make([]string, 0, len(model.Providers)+2)
	for _, p := range model.Providers {
		names = append(names, fmt.Sprintf("%q", p))
	}
	names = append(names, `"auto"`, `"AUTO"`)
	return `{"type":"string","enum":[` + strings.Join(names, ",") + `]}`
}

// object renders an object schema. Every operation also accepts the
// envelope fields provider, projectId and async. Admin reads reuse provider
// and projectId as filters.
func object(required []string, props string, extra ...string) string {
	req := "[]"
	if len(required) > 0 {
		quoted := make([]string, len(required))
		for i, r := range required {
			quoted[i] = fmt.Sprintf("%q", r)
		}
		req = "[" + strings.Join(quoted, ",") + "]"
	}
	envelope := `"provider":` + providerEnum() + `,"projectId":{"type":"string","maxLength":128},"async":{"type":"boolean"}`
	if props != "" {
		props += ","
	}
	s := `{"type":"object","required":` + req + `,"properties":{` + props + envelope + `}`
	for _, e := range extra {
		s += "," + e
	}
	return s + "}"
}

func req(fields ...string) []string { return fields }

var imageParams = `"width":{"type":"integer","minimum":64,"maximum":4096},` +
	`"height":{"type":"integer","minimum":64,"maximum":4096},` +
	`"numOutputs":{"type":"integer","minimum":1,"maximum":10},` +
	`"quality":{"type":"string","enum":["standard","hd"]},` +
	`"seed":` + seed

var metricFilters = `"operationType":{"type":"string"},"contentType":` + contentTypeEnum +
	`,"userId":{"type":"string"},"since":` + dateTime + `,"until":` + dateTime

// definitions returns the schema document for every operation type.
func definitions() map[model.OperationType]string {
	return map[model.OperationType]string{
		model.OpImageGenerate: object(req("prompt"),
			`"prompt":{"type":"string","minLength":1,"maxLength":4000},`+
				`"negativePrompt":{"type":"string","maxLength":4000},`+
				`"style":{"type":"string"},`+
				`"guidanceScale":{"type":"number","minimum":1,"maximum":20},`+
				`"steps":{"type":"integer","minimum":10,"maximum":150},`+
				`"modelVersion":{"type":"string"},"safetyFilter":{"type":"boolean"},"enhancePrompt":{"type":"boolean"},`+
				imageParams),
		model.OpImageVariation: object(req("imageData"), `"imageData":`+nonEmpty+`,`+imageParams),
		model.OpImageEdit: object(req("imageData", "maskData"),
			`"imageData":`+nonEmpty+`,"maskData":`+nonEmpty+`,"prompt":{"type":"string","maxLength":4000},`+imageParams),
		model.OpImageUpscale: object(req("imageData"),
			`"imageData":`+nonEmpty+`,"scale":{"type":"integer","minimum":2,"maximum":8}`),
		model.OpStyleTransfer: object(req("imageData", "styleData"),
			`"imageData":`+nonEmpty+`,"styleData":`+nonEmpty+`,"strength":{"type":"number","minimum":0,"maximum":1},"seed":`+seed),

		model.OpTTS: object(req("text"),
			`"text":{"type":"string","minLength":1,"maxLength":4000},`+
				`"voice":{"type":"string"},`+
				`"speed":{"type":"number","minimum":0.25,"maximum":4.0},`+
				`"pitch":{"type":"number","minimum":-20,"maximum":20},`+
				`"stability":{"type":"number","minimum":0,"maximum":1},`+
				`"similarityBoost":{"type":"number","minimum":0,"maximum":1},`+
				`"format":{"type":"string","enum":["mp3","wav","ogg"]},`+
				`"quality":{"type":"string","enum":["standard","high"]},`+
				`"speakerId":{"type":"string"},"language":{"type":"string"}`),
		model.OpVoiceClone: object(req("audioSamples", "name"),
			`"audioSamples":{"type":"array","minItems":1,"items":`+nonEmpty+`},`+
				`"name":{"type":"string","minLength":1,"maxLength":100},"description":{"type":"string","maxLength":500}`),

		model.OpEmbed: object(req("content", "contentType"),
			`"content":`+nonEmpty+`,"contentType":`+contentTypeEnum+`,`+
				`"dimensions":{"type":"integer","minimum":64,"maximum":4096},`+
				`"model":{"type":"string"},"normalize":{"type":"boolean"},"truncate":{"type":"boolean"},`+
				`"batchSize":{"type":"integer","minimum":1,"maximum":100}`),
		model.OpSemanticSearch: object(req("query", "queryType", "collection"),
			`"query":`+nonEmpty+`,"queryType":`+contentTypeEnum+`,"collection":`+nonEmpty+`,`+
				`"limit":{"type":"integer","minimum":1,"maximum":100},"filters":{"type":"object"},`+
				`"minScore":{"type":"number","minimum":0,"maximum":1},`+
				`"includeMetadata":{"type":"boolean"},"includeVectors":{"type":"boolean"}`),
		model.OpSimilarity: object(req("sourceContent", "sourceType", "targetContent", "targetType"),
			`"sourceContent":`+nonEmpty+`,"sourceType":`+contentTypeEnum+`,`+
				`"targetContent":`+nonEmpty+`,"targetType":`+contentTypeEnum+`,`+
				`"metric":{"type":"string","enum":["cosine","euclidean","dot"]},`+
				`"threshold":{"type":"number","minimum":0,"maximum":1}`),

		model.OpWorkflowExecute: object(req("input", "inputType", "outputType"),
			`"input":`+nonEmpty+`,"inputType":`+contentTypeEnum+`,"outputType":`+contentTypeEnum+`,`+
				`"steps":`+stringList+`,"parameters":{"type":"object"},"intermediateResults":{"type":"boolean"},"seed":`+seed),
		model.OpMultimodalProcess: object(req("contents", "task"),
			`"contents":{"type":"array","minItems":1,"items":{"type":"object","required":["content","contentType"],`+
				`"properties":{"content":`+nonEmpty+`,"contentType":`+contentTypeEnum+`}}},`+
				`"task":`+nonEmpty+`,`+
				`"detailLevel":{"type":"string","enum":["basic","detailed","comprehensive"]},`+
				`"outputFormat":{"type":"string","enum":["text","json","markdown"]}`),
		model.OpMultimodalGenerate: object(req("prompt", "outputTypes"),
			`"prompt":{"type":"string","minLength":1,"maxLength":4000},`+
				`"outputTypes":{"type":"array","minItems":1,"items":`+contentTypeEnum+`},`+
				`"style":{"type":"string"},"seed":`+seed),
		model.OpTranslateModalities: object(req("content", "contentType", "targetType"),
			`"content":`+nonEmpty+`,"contentType":`+contentTypeEnum+`,"targetType":`+contentTypeEnum+`,"preserveStyle":{"type":"boolean"}`),

		model.OpRecommend: object(req("content", "contentType"),
			`"content":`+nonEmpty+`,"contentType":`+contentTypeEnum+`,`+
				`"limit":{"type":"integer","minimum":1,"maximum":50},"categories":`+stringList+`,`+
				`"diversity":{"type":"number","minimum":0,"maximum":1}`),
		model.OpDiscover: object(req("query", "queryType"),
			`"query":`+nonEmpty+`,"queryType":`+contentTypeEnum+`,`+
				`"limit":{"type":"integer","minimum":1,"maximum":100},"categories":`+stringList),
		model.OpMatchAssets: object(req("criteria"),
			`"criteria":{"type":"object","minProperties":1,"properties":{`+
				`"content":`+nonEmpty+`,"contentType":`+contentTypeEnum+`,"tags":`+stringList+`,"categories":`+stringList+`,`+
				`"threshold":{"type":"number","minimum":0,"maximum":1}}},`+
				`"limit":{"type":"integer","minimum":1,"maximum":100}`),
		model.OpAssetManage: object(req("operation"),
			`"operation":{"type":"string","enum":["index","search","tag","organize"]},`+
				`"assets":{"type":"array","minItems":1,"items":{"type":"object","properties":{`+
				`"id":`+nonEmpty+`,"content":`+nonEmpty+`,"contentType":`+contentTypeEnum+`,"metadata":{"type":"object"}}}},`+
				`"query":`+nonEmpty+`,"queryType":`+contentTypeEnum+`,"filters":{"type":"object"},`+
				`"tags":`+stringList+`,"categories":`+stringList+`,`+
				`"limit":{"type":"integer","minimum":1,"maximum":100},"offset":{"type":"integer","minimum":0}`,
			`"allOf":[`+
				`{"if":{"properties":{"operation":{"const":"index"}}},"then":{"required":["assets"],"properties":{"assets":{"items":{"required":["content","contentType"]}}}}},`+
				`{"if":{"properties":{"operation":{"const":"search"}}},"then":{"required":["query"]}},`+
				`{"if":{"properties":{"operation":{"const":"tag"}}},"then":{"required":["assets","tags"],"properties":{"assets":{"items":{"required":["id"]}}}}},`+
				`{"if":{"properties":{"operation":{"const":"organize"}}},"then":{"required":["assets","categories"],"properties":{"assets":{"items":{"required":["id"]}}}}}`+
				`]`),

		model.OpCollaborate: object(req("sessionId", "operation"),
			`"sessionId":{"type":"string","minLength":1,"maxLength":200},`+
				`"operation":{"type":"string","enum":["join","update","leave"]},`+
				`"userId":{"type":"string"},"contentType":`+contentTypeEnum+`,`+
				`"position":{"type":"object","required":["x","y"],"properties":{"x":{"type":"number"},"y":{"type":"number"}}},`+
				`"viewportState":{"type":"object"},"timestamp":{"type":["string","number"]}`),
		model.OpCancel: object(req("requestId"), `"requestId":`+nonEmpty),
		model.OpHistory: object(nil,
			`"operationType":{"type":"string"},"status":`+statusEnum+`,"userId":{"type":"string"},`+
				`"since":`+dateTime+`,"until":`+dateTime+`,"limit":{"type":"integer","minimum":1,"maximum":1000}`),
		model.OpMetrics: object(nil, metricFilters),
		model.OpCostBreakdown: object(nil, metricFilters+
			`,"groupBy":{"type":"array","minItems":1,"items":{"type":"string","enum":["operationType","provider"]}}`),
		model.OpCacheStats: object(nil, ""),
		model.OpClearCache: object(nil,
			`"operationType":{"type":"string"},"contentType":`+contentTypeEnum+`,"userId":{"type":"string"}`),
	}
}
