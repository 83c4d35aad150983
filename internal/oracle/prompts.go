package oracle

import (
	"fmt"
	"strings"

	"nutri-de-bolso/internal/repo"
)

const systemPrompt = `Você é o Nutri de Bolso, um assistente nutricional amigável e profissional no WhatsApp.
Você ajuda usuários a acompanhar sua dieta, analisar refeições e atingir seus objetivos nutricionais.
Seja sempre encorajador, mas honesto. Use linguagem simples e emojis moderadamente.
Responda sempre em português brasileiro.`

const parseDietPrompt = `Analise o texto/documento da dieta fornecido e extraia as informações nutricionais em formato JSON.

Extraia:
- Calorias diárias totais
- Macros diários (proteína, carboidratos, gordura em gramas)
- Lista de refeições com horários e alimentos sugeridos
- Notas ou observações importantes

Se não conseguir identificar valores específicos, faça estimativas razoáveis baseadas no contexto.

Responda APENAS com JSON válido no seguinte formato:
{
  "daily_calories": number,
  "daily_protein": number,
  "daily_carbs": number,
  "daily_fat": number,
  "meals": [
    {
      "name": "string",
      "time": "HH:MM" | null,
      "foods": ["string"],
      "calories": number | null,
      "protein": number | null,
      "carbs": number | null,
      "fat": number | null
    }
  ],
  "notes": ["string"] | null
}`

const analyzeMealPrompt = `Analise a imagem desta refeição e identifique todos os alimentos visíveis.
Para cada alimento, estime a porção e os valores nutricionais.

Seja preciso nas estimativas de porções baseado no tamanho visual.
Considere métodos de preparo visíveis (frito, grelhado, cozido, etc).

Responda APENAS com JSON válido no seguinte formato:
{
  "foods": [
    {
      "name": "string",
      "portion": "string (ex: 100g, 1 unidade, 1 xícara)",
      "calories": number,
      "protein": number,
      "carbs": number,
      "fat": number
    }
  ],
  "total_calories": number,
  "total_protein": number,
  "total_carbs": number,
  "total_fat": number,
  "feedback": "string (comentário breve sobre a refeição)"
}`

const (
	dietImageInstruction = "Extraia as informações nutricionais desta imagem de dieta."
	dietPDFInstruction   = "Extraia as informações nutricionais deste PDF de dieta."

	fallbackAnswer = "Desculpe, não consegui processar sua pergunta."
	fallbackReport = "Não foi possível gerar o relatório."
)

func buildQuestionPrompt(diet repo.DietContent, question string) string {
	names := make([]string, 0, len(diet.Meals))
	for _, m := range diet.Meals {
		names = append(names, m.Name)
	}
	return fmt.Sprintf(`Contexto da dieta do usuário:
- Meta diária: %s kcal
- Proteína: %sg | Carboidratos: %sg | Gordura: %sg
- Refeições planejadas: %s

Pergunta do usuário: %s

Responda de forma clara e útil, sempre relacionando com a dieta do usuário quando relevante.`,
		FormatNumber(diet.DailyCalories),
		FormatNumber(diet.DailyProtein), FormatNumber(diet.DailyCarbs), FormatNumber(diet.DailyFat),
		strings.Join(names, ", "),
		question,
	)
}

func buildDailyReportPrompt(diet repo.DietContent, consumed repo.DailyTotals) string {
	return fmt.Sprintf(`Gere um relatório diário motivacional e informativo.

Metas do dia:
- Calorias: %s kcal
- Proteína: %sg
- Carboidratos: %sg
- Gordura: %sg

Consumido hoje (%d refeições registradas):
- Calorias: %s kcal (%s)
- Proteína: %sg (%sg)
- Carboidratos: %sg (%sg)
- Gordura: %sg (%sg)

Crie um resumo amigável com:
1. Parabéns ou encorajamento baseado no desempenho
2. Destaque do que foi bem
3. Sugestão para amanhã (se aplicável)
4. Use emojis moderadamente

Mantenha a resposta em no máximo 500 caracteres.`,
		FormatNumber(diet.DailyCalories), FormatNumber(diet.DailyProtein), FormatNumber(diet.DailyCarbs), FormatNumber(diet.DailyFat),
		consumed.MealCount,
		FormatNumber(consumed.Calories), signed(consumed.Calories-diet.DailyCalories),
		FormatNumber(consumed.Protein), signed(consumed.Protein-diet.DailyProtein),
		FormatNumber(consumed.Carbs), signed(consumed.Carbs-diet.DailyCarbs),
		FormatNumber(consumed.Fat), signed(consumed.Fat-diet.DailyFat),
	)
}

func buildMealFeedbackPrompt(analysis repo.MealAnalysis, diet repo.DietContent, before repo.DailyTotals) string {
	var foods strings.Builder
	for i, f := range analysis.Foods {
		if i > 0 {
			foods.WriteString("\n")
		}
		fmt.Fprintf(&foods, "- %s: %s (%s kcal)", f.Name, f.Portion, FormatNumber(f.Calories))
	}

	return fmt.Sprintf(`Analise esta refeição no contexto da dieta do usuário.

Refeição atual:
%s
Total: %s kcal | P: %sg | C: %sg | G: %sg

Já consumido hoje: %s kcal

Após esta refeição, restam para hoje:
- Calorias: %s kcal
- Proteína: %sg
- Carboidratos: %sg
- Gordura: %sg

Gere uma resposta curta (máx 400 caracteres) com:
1. Confirmação do registro
2. Como está o progresso do dia
3. Dica rápida se necessário
Use emojis moderadamente.`,
		foods.String(),
		FormatNumber(analysis.TotalCalories), FormatNumber(analysis.TotalProtein), FormatNumber(analysis.TotalCarbs), FormatNumber(analysis.TotalFat),
		FormatNumber(before.Calories),
		FormatNumber(diet.DailyCalories-before.Calories-analysis.TotalCalories),
		FormatNumber(diet.DailyProtein-before.Protein-analysis.TotalProtein),
		FormatNumber(diet.DailyCarbs-before.Carbs-analysis.TotalCarbs),
		FormatNumber(diet.DailyFat-before.Fat-analysis.TotalFat),
	)
}
