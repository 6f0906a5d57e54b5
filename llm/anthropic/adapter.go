package anthropic

import (
	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/samber/lo"
)

// ToMessageParam converts an llm.Message to an Anthropic MessageParam.
func ToMessageParam(msg llm.Message) anthropic.MessageParam {
	contentBlocks := lo.FilterMap(msg.Content, func(block llm.ContentBlock, _ int) (anthropic.ContentBlockParamUnion, bool) {
		if block.Type != llm.ContentBlockTypeText {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.NewTextBlock(block.Text), true
	})

	if msg.Role == llm.RoleAssistant {
		return anthropic.NewAssistantMessage(contentBlocks...)
	}
	return anthropic.NewUserMessage(contentBlocks...)
}

// ToMessageParams converts a slice of llm.Messages to Anthropic MessageParams.
func ToMessageParams(msgs []llm.Message) []anthropic.MessageParam {
	return lo.Map(msgs, func(msg llm.Message, _ int) anthropic.MessageParam {
		return ToMessageParam(msg)
	})
}

// FromContentBlocks converts the text blocks of an Anthropic response.
// Non-text blocks are dropped; the relay only forwards text completions.
func FromContentBlocks(blocks []anthropic.ContentBlockUnion) []llm.ContentBlock {
	return lo.FilterMap(blocks, func(blockUnion anthropic.ContentBlockUnion, _ int) (llm.ContentBlock, bool) {
		block, ok := blockUnion.AsAny().(anthropic.TextBlock)
		if !ok {
			return llm.ContentBlock{}, false
		}
		return llm.ContentBlock{
			Type: llm.ContentBlockTypeText,
			Text: block.Text,
		}, true
	})
}
