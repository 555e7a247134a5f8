package tools

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City   string   `json:"city"`
	Days   *int     `json:"days"`
	UserID string   `json:"__user_id__"`
	Tags   []string `json:"tags"`
}

func getWeather(args weatherArgs) string {
	return "sunny in " + args.City
}

const weatherDoc = `Look up the weather forecast for a city.

city: name of the city to look up
days: number of forecast days,
	defaults to one
__user_id__: id of the calling user
tags: labels attached to the lookup`

func TestCompileSpec(t *testing.T) {
	spec, err := CompileSpec(getWeather, weatherDoc)
	require.NoError(t, err)

	assert.Equal(t, "get_weather", spec.Name)
	assert.Equal(t, "Look up the weather forecast for a city.", spec.Description)
	assert.Equal(t, []string{"__user_id__"}, spec.ContextParams)

	require.NotNil(t, spec.Parameters)
	assert.Equal(t, "object", spec.Parameters.Type)
	assert.Equal(t, []string{"city", "tags"}, spec.Parameters.Required)

	properties := spec.Parameters.Properties
	require.NotNil(t, properties)
	assert.Equal(t, 3, properties.Len())

	city, ok := properties.Get("city")
	require.True(t, ok)
	assert.Equal(t, "string", city.Type)
	assert.Equal(t, "name of the city to look up", city.Description)

	days, ok := properties.Get("days")
	require.True(t, ok)
	assert.Equal(t, "integer", days.Type)
	assert.Equal(t, "number of forecast days, defaults to one", days.Description)

	tags, ok := properties.Get("tags")
	require.True(t, ok)
	assert.Equal(t, "array", tags.Type)
	require.NotNil(t, tags.Items)
	assert.Equal(t, "string", tags.Items.Type)

	_, ok = properties.Get("__user_id__")
	assert.False(t, ok)
}

func TestCompileSpecIsDeterministic(t *testing.T) {
	first, err := CompileSpec(getWeather, weatherDoc)
	require.NoError(t, err)
	second, err := CompileSpec(getWeather, weatherDoc)
	require.NoError(t, err)

	firstJSON, err := first.MarshalDeterministic()
	require.NoError(t, err)
	secondJSON, err := second.MarshalDeterministic()
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)

	// properties serialize in declaration order
	doc := string(firstJSON)
	assert.Less(t, strings.Index(doc, `"city"`), strings.Index(doc, `"days"`))
	assert.Less(t, strings.Index(doc, `"days"`), strings.Index(doc, `"tags"`))
}

func TestCompileSpecOverrides(t *testing.T) {
	spec, err := CompileSpec(getWeather, weatherDoc,
		WithName("forecast"),
		WithDescription("Forecast lookup."))
	require.NoError(t, err)

	assert.Equal(t, "forecast", spec.Name)
	assert.Equal(t, "Forecast lookup.", spec.Description)
}

func TestCompileSpecRejectsNonFunctions(t *testing.T) {
	_, err := CompileSpec(nil, "")
	assert.True(t, errors.Is(err, ErrNoFunction))

	_, err = CompileSpec("not a function", "")
	assert.True(t, errors.Is(err, ErrNoFunction))
}

func TestCompileSpecRejectsNonStructArgs(t *testing.T) {
	_, err := CompileSpec(func(n int) string { return "" }, "doc")
	require.Error(t, err)
}

func TestCompileSpecMissingAnnotation(t *testing.T) {
	type args struct {
		City string
	}
	_, err := CompileSpec(func(a args) string { return "" }, "doc", WithName("t"))
	require.Error(t, err)

	var annotationErr *MissingAnnotationError
	require.True(t, errors.As(err, &annotationErr))
	assert.Equal(t, "City", annotationErr.Param)
}

func TestCompileSpecMissingDescription(t *testing.T) {
	type args struct {
		City string `json:"city"`
	}
	_, err := CompileSpec(func(a args) string { return "" }, "Tool with no param docs.", WithName("t"))
	require.Error(t, err)

	var descriptionErr *MissingDescriptionError
	require.True(t, errors.As(err, &descriptionErr))
	assert.Equal(t, "city", descriptionErr.Param)
}

func TestCompileSpecContextParamRequiresDescription(t *testing.T) {
	type args struct {
		City   string `json:"city"`
		UserID string `json:"__user_id__"`
	}
	_, err := CompileSpec(func(a args) string { return "" },
		"Look something up.\n\ncity: the city", WithName("t"))
	require.Error(t, err)

	var descriptionErr *MissingDescriptionError
	require.True(t, errors.As(err, &descriptionErr))
	assert.Equal(t, "__user_id__", descriptionErr.Param)
}

func TestCompileSpecUnsupportedType(t *testing.T) {
	type args struct {
		Lookup map[string]string `json:"lookup"`
	}
	_, err := CompileSpec(func(a args) string { return "" }, "doc\n\nlookup: a map", WithName("t"))
	require.Error(t, err)

	var typeErr *UnsupportedTypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "lookup", typeErr.Param)
}

func TestCompileSpecSkipsUnexportedAndIgnoredFields(t *testing.T) {
	type args struct {
		City   string `json:"city"`
		Secret string `json:"-"`
		hidden string
	}
	_ = args{hidden: ""}

	spec, err := CompileSpec(func(a args) string { return "" }, "doc\n\ncity: the city", WithName("t"))
	require.NoError(t, err)
	assert.Equal(t, 1, spec.Parameters.Properties.Len())
}

func TestIsContextParam(t *testing.T) {
	assert.True(t, IsContextParam("__user_id__"))
	assert.False(t, IsContextParam("user_id"))
	assert.False(t, IsContextParam("__user_id"))
	assert.Equal(t, "user_id", ContextVarKey("__user_id__"))
}

func TestToOpenAITool(t *testing.T) {
	spec, err := CompileSpec(getWeather, weatherDoc)
	require.NoError(t, err)

	tool, err := spec.ToOpenAITool()
	require.NoError(t, err)
	assert.Equal(t, go_openai.ToolTypeFunction, tool.Type)
	assert.Equal(t, "get_weather", tool.Function.Name)
	assert.Equal(t, "Look up the weather forecast for a city.", tool.Function.Description)

	params := map[string]interface{}{}
	rawParams, ok := tool.Function.Parameters.(json.RawMessage)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(rawParams, &params))

	properties, ok := params["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, properties, "city")
	assert.NotContains(t, properties, "__user_id__")
}
